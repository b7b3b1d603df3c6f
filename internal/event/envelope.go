// Package event implements the single machine-readable observability
// envelope (spec.md §4.11) every component emits through, so post-mortem
// reports can be produced from logs without text parsing.
package event

import (
	"encoding/json"
	"log"
	"time"
)

const (
	kind    = "peershare.event"
	version = 1
)

// Envelope is the canonical one-line JSON shape.
type Envelope struct {
	Kind      string         `json:"kind"`
	Version   int            `json:"version"`
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NowFunc is overridable in tests; defaults to milliseconds since epoch.
var NowFunc = defaultNow

// Emit writes one envelope line to logger. name is the event name (e.g.
// "transfer_send_complete"); payload may be nil.
func Emit(logger *log.Logger, name string, payload map[string]any) {
	env := Envelope{
		Kind:      kind,
		Version:   version,
		Event:     name,
		Timestamp: NowFunc(),
		Payload:   payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		logger.Printf(`{"kind":%q,"version":%d,"event":"event_marshal_error","payload":{"error":%q}}`, kind, version, err.Error())
		return
	}
	logger.Println(string(b))
}

// Parse decodes a line in either the canonical envelope shape or the
// legacy flattened shape ({event, timestamp, ...payload-siblings}),
// folding unknown top-level siblings into Payload.
func Parse(line []byte) (Envelope, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Envelope{}, err
	}

	env := Envelope{Kind: kind, Version: version}
	if k, ok := raw["kind"].(string); ok {
		env.Kind = k
	}
	if v, ok := raw["version"].(float64); ok {
		env.Version = int(v)
	}
	if e, ok := raw["event"].(string); ok {
		env.Event = e
	}
	if ts, ok := raw["timestamp"].(float64); ok {
		env.Timestamp = int64(ts)
	}

	if payload, ok := raw["payload"].(map[string]any); ok {
		env.Payload = payload
		return env, nil
	}

	// Legacy shape: fold every sibling except the known envelope keys
	// into Payload.
	payload := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case "kind", "version", "event", "timestamp":
			continue
		}
		payload[k] = v
	}
	if len(payload) > 0 {
		env.Payload = payload
	}
	return env, nil
}

func defaultNow() int64 {
	return time.Now().UnixMilli()
}
