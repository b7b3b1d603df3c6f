// Package memtransport provides an in-memory, interface-satisfying fake
// pair of connected channels for tests, playing the role the teacher's
// browser DataChannel plays in production — an ordered, reliable,
// message-oriented pipe with an observable buffered amount.
package memtransport

import (
	"errors"
	"sync"

	"github.com/peershare/transfer/internal/transport"
)

// ErrClosed is returned by Send/SendText once the channel has been closed.
var ErrClosed = errors.New("memtransport: channel closed")

// Frame is one message handed across the pipe, binary or text.
type Frame struct {
	Binary []byte
	Text   string
	IsText bool
}

// Channel is one end of a pipe made by NewPipe, each end the mirror image
// of the other: Send/SendText on one end synchronously invoke the other
// end's OnMessage callbacks before returning. There is no queue or event
// loop; a frame sent before the peer registers callbacks is dropped.
type Channel struct {
	mu                 sync.Mutex
	closed             bool
	buffered            uint64
	lowThreshold       uint64
	onLow              func()
	maxMessageSize     *uint64
	peer               *Channel // the other end of the pipe
	onMessageBinary    func([]byte)
	onMessageText      func(string)
	sendErr            error // injected failure for fault-injection tests
	drainImmediately   bool
}

// NewPipe creates two Channels wired to each other.
func NewPipe(maxMessageSize *uint64) (*Channel, *Channel) {
	a := &Channel{maxMessageSize: maxMessageSize, drainImmediately: true}
	b := &Channel{maxMessageSize: maxMessageSize, drainImmediately: true}
	a.peer = b
	b.peer = a
	return a, b
}

// OnMessage registers delivery callbacks for binary and text frames
// arriving from the peer, satisfying transport.Channel's OnMessage;
// analogous to the teacher's dc.OnMessage.
func (c *Channel) OnMessage(onBinary func([]byte), onText func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessageBinary = onBinary
	c.onMessageText = onText
}

// SetSendError injects a failure returned by the next Send/SendText call,
// for exercising DATA_CHANNEL_SEND_FAILED handling. Cleared after firing
// once.
func (c *Channel) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Channel) Send(data []byte) error {
	return c.deliver(Frame{Binary: append([]byte(nil), data...)})
}

func (c *Channel) SendText(data string) error {
	return c.deliver(Frame{Text: data, IsText: true})
}

func (c *Channel) deliver(f Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.sendErr = nil
		c.mu.Unlock()
		return err
	}
	peer := c.peer
	if !f.IsText {
		c.buffered += uint64(len(f.Binary))
	}
	c.mu.Unlock()

	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	onBinary := peer.onMessageBinary
	onText := peer.onMessageText
	peer.mu.Unlock()

	if f.IsText {
		if onText != nil {
			onText(f.Text)
		}
	} else if onBinary != nil {
		onBinary(f.Binary)
	}

	// Bytes are "flushed" as soon as delivered in this synchronous fake;
	// drop them back out of the buffer and fire the low-buffer callback
	// if armed, mirroring a fast local network.
	c.mu.Lock()
	if !f.IsText {
		if c.buffered >= uint64(len(f.Binary)) {
			c.buffered -= uint64(len(f.Binary))
		} else {
			c.buffered = 0
		}
	}
	low := c.onLow
	crossed := c.buffered <= c.lowThreshold
	c.mu.Unlock()
	if low != nil && crossed {
		low()
	}
	return nil
}

func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// SetBufferedAmount lets tests simulate backlog without actually sending
// gigabytes of data.
func (c *Channel) SetBufferedAmount(n uint64) {
	c.mu.Lock()
	c.buffered = n
	low := c.onLow
	crossed := n <= c.lowThreshold
	c.mu.Unlock()
	if crossed && low != nil {
		low()
	}
}

func (c *Channel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lowThreshold = threshold
}

func (c *Channel) OnBufferedAmountLow(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLow = fn
}

func (c *Channel) MaxMessageSize() *uint64 { return c.maxMessageSize }

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return nil
}

var _ transport.Channel = (*Channel)(nil)
