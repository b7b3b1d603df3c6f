// Package backpressure implements the backpressure arbiter (C5, spec.md
// §4.5): it keeps the sender's outbound buffer bounded by waiting, either
// on the channel's bufferedamountlow event or by polling, until
// bufferedAmount drains back under the configured ceiling. Grounded on the
// teacher's cli/main.go send loop, which does this inline with a bare
// `for BufferedAmount() > N { time.Sleep(...) }` poll; here the poll is one
// of two modes behind a shared Wait call, with a watchdog that falls back
// to it when the event path misbehaves.
package backpressure

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/peershare/transfer/internal/config"
	"github.com/peershare/transfer/internal/event"
	"github.com/peershare/transfer/internal/xerrors"
)

// Channel is the subset of transport.Channel the arbiter needs.
type Channel interface {
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(fn func())
	IsOpen() bool
}

// ObservedMode is the mode the arbiter actually used, for metrics.
type ObservedMode string

const (
	ObservedEvent   ObservedMode = "event"
	ObservedPolling ObservedMode = "polling"
)

// Arbiter waits for a channel's buffered amount to drain, per spec.md §4.5.
// One Arbiter is scoped to a single connection: once it downgrades to
// polling, that downgrade is permanent for the life of the Arbiter.
type Arbiter struct {
	cfg    config.Backpressure
	logger *log.Logger

	mu          sync.Mutex
	downgraded  bool
	modeEmitted bool
}

// New creates an Arbiter. logger may be nil to discard the
// backpressure_mode_active observability event.
func New(cfg config.Backpressure, logger *log.Logger) *Arbiter {
	return &Arbiter{cfg: cfg, logger: logger}
}

// WaitThreshold is getBackpressureWaitThreshold from spec.md §4.5: the
// engine should only call Wait once bufferedAmount exceeds this.
func (a *Arbiter) WaitThreshold() uint64 {
	if a.effectiveMode() == config.ModePolling {
		return uint64(a.cfg.MaxBufferedAmount)
	}
	max := a.cfg.MaxBufferedAmount
	if a.cfg.LowThreshold > max {
		max = a.cfg.LowThreshold
	}
	return uint64(max)
}

func (a *Arbiter) effectiveMode() config.BackpressureMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.downgraded || a.cfg.Mode == config.ModePolling {
		return config.ModePolling
	}
	return config.ModeEvent
}

// Wait blocks until ch's bufferedAmount is at or below the configured
// ceiling, or returns a recoverable DATA_CHANNEL_NOT_READY error if ch
// closes during the wait, or ctx.Err() if ctx is cancelled first.
func (a *Arbiter) Wait(ctx context.Context, ch Channel) error {
	if a.effectiveMode() == config.ModePolling {
		return a.waitPolling(ctx, ch)
	}
	return a.waitEvent(ctx, ch)
}

func (a *Arbiter) waitEvent(ctx context.Context, ch Channel) error {
	threshold := uint64(a.cfg.LowThreshold)
	if ch.BufferedAmount() <= threshold {
		return nil
	}
	if !ch.IsOpen() {
		return xerrors.New(xerrors.CodeDataChannelNotReady, "channel closed while waiting for backpressure")
	}

	done := make(chan struct{})
	var once sync.Once
	ch.SetBufferedAmountLowThreshold(threshold)
	ch.OnBufferedAmountLow(func() {
		once.Do(func() { close(done) })
	})

	timer := time.NewTimer(a.cfg.EventTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			a.markEventSuccess()
			return nil
		case <-timer.C:
			a.downgradeToPolling()
			return a.waitPolling(ctx, ch)
		case <-ticker.C:
			if !ch.IsOpen() {
				return xerrors.New(xerrors.CodeDataChannelNotReady, "channel closed while waiting for backpressure")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Arbiter) waitPolling(ctx context.Context, ch Channel) error {
	threshold := uint64(a.cfg.MaxBufferedAmount)
	for {
		if ch.BufferedAmount() <= threshold {
			return nil
		}
		if !ch.IsOpen() {
			return xerrors.New(xerrors.CodeDataChannelNotReady, "channel closed while waiting for backpressure")
		}
		select {
		case <-time.After(a.cfg.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Arbiter) markEventSuccess() {
	a.mu.Lock()
	already := a.modeEmitted
	a.modeEmitted = true
	a.mu.Unlock()
	if already || a.logger == nil {
		return
	}
	event.Emit(a.logger, "backpressure_mode_active", map[string]any{"mode": string(ObservedEvent)})
}

func (a *Arbiter) downgradeToPolling() {
	a.mu.Lock()
	a.downgraded = true
	a.mu.Unlock()
}

// ObservedMode reports which mode the arbiter is currently committed to.
func (a *Arbiter) ObservedMode() ObservedMode {
	if a.effectiveMode() == config.ModePolling {
		return ObservedPolling
	}
	return ObservedEvent
}
