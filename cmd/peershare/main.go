// Command peershare is the headless CLI client exercising the full
// transfer stack: signalling, recovery, the transfer engine, and the send
// queue. Grounded on the teacher's client/main.go input loop, now driving
// internal/engine's resumable, checksum-verified transfer instead of the
// teacher's unbuffered, non-resumable one.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peershare/transfer/internal/config"
	"github.com/peershare/transfer/internal/overrides"
	"github.com/peershare/transfer/internal/store"
	"github.com/peershare/transfer/internal/telemetry"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8089/ws", "signalling relay websocket URL")
	debug := flag.Bool("debug", false, "enable debug logging")
	logFile := flag.String("logfile", "peershare-debug.log", "path to debug log file (used only with -debug)")
	storePath := flag.String("store", "peershare.db", "path to the resumable-transfer store")
	overrideQuery := flag.String("override-query", "", "ps*-prefixed query string overriding backpressure/chunk-planner tuning, for deterministic test runs")
	flag.Parse()

	logger, err := telemetry.New(*debug, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peershare: %v\n", err)
		os.Exit(1)
	}

	db, err := store.Open(*storePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peershare: open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if n, err := db.PruneStaleSessions(time.Now(), config.SessionTTL); err != nil {
		logger.Printf("peershare: prune stale sessions: %v", err)
	} else if n > 0 {
		fmt.Printf("Pruned %d stale transfer session(s).\n", n)
	}

	var ov overrides.Overrides
	if *overrideQuery != "" {
		values, err := url.ParseQuery(*overrideQuery)
		if err != nil {
			fmt.Fprintf(os.Stderr, "peershare: parse -override-query: %v\n", err)
			os.Exit(1)
		}
		ov = overrides.FromQuery(values)
	}

	sess := newSession(*serverURL, db, logger.Logger, ov)

	fmt.Println("PeerShare CLI")
	fmt.Println("=============")
	fmt.Printf("Signalling relay: %s\n", *serverURL)
	fmt.Println("Type /help for available commands")

	runInputLoop(sess)
}

func runInputLoop(sess *session) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		handleInput(sess, strings.TrimSpace(scanner.Text()))
		fmt.Print("> ")
	}
}

func handleInput(sess *session, line string) {
	if line == "" {
		return
	}
	if !strings.HasPrefix(line, "/") {
		fmt.Println("Unrecognized input. Type /help for available commands.")
		return
	}

	parts := strings.Fields(line)
	switch strings.ToLower(parts[0]) {
	case "/connect":
		if len(parts) != 2 {
			fmt.Println("Usage: /connect <room>")
			return
		}
		if err := sess.connect(parts[1]); err != nil {
			fmt.Printf("Failed to connect: %v\n", err)
		}

	case "/accept":
		if err := sess.accept(); err != nil {
			fmt.Printf("Failed to accept: %v\n", err)
		}

	case "/send":
		if len(parts) != 2 {
			fmt.Println("Usage: /send <filepath>")
			return
		}
		if err := sess.enqueueSend(parts[1]); err != nil {
			fmt.Printf("Failed to queue %s: %v\n", parts[1], err)
		}

	case "/queue":
		sess.printQueue()

	case "/link":
		sess.printLink()

	case "/quit", "/exit":
		fmt.Println("Exiting...")
		sess.close()
		os.Exit(0)

	case "/help":
		printHelp()

	default:
		fmt.Printf("Unknown command: %s\n", parts[0])
	}
}

func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  /connect <room>  - register for room and wait for a peer")
	fmt.Println("  /accept          - accept the pending peer and begin the WebRTC handshake")
	fmt.Println("  /send <filepath> - queue a file for sending")
	fmt.Println("  /queue           - show the send queue")
	fmt.Println("  /link            - show this room's id")
	fmt.Println("  /quit, /exit     - exit the application")
	fmt.Println("  /help            - show this help")
}

// parseVerbosePercent is used by printQueue to render a stable width
// percentage column regardless of item count.
func parseVerbosePercent(sent, total int64) string {
	if total <= 0 {
		return "100%"
	}
	return strconv.Itoa(int(sent*100/total)) + "%"
}
