package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/peershare/transfer/internal/config"
	"github.com/peershare/transfer/internal/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is a minimal, directly-controlled Channel fake: unlike
// memtransport's synchronous pipe, tests here need to fire the low-buffer
// callback independently of any Send call.
type fakeChannel struct {
	buffered  uint64
	open      bool
	threshold uint64
	onLow     func()
}

func newFakeChannel(buffered uint64) *fakeChannel {
	return &fakeChannel{buffered: buffered, open: true}
}

func (f *fakeChannel) BufferedAmount() uint64 { return f.buffered }
func (f *fakeChannel) SetBufferedAmountLowThreshold(t uint64) { f.threshold = t }
func (f *fakeChannel) OnBufferedAmountLow(fn func())          { f.onLow = fn }
func (f *fakeChannel) IsOpen() bool                           { return f.open }
func (f *fakeChannel) fireLow(newBuffered uint64) {
	f.buffered = newBuffered
	if f.onLow != nil {
		f.onLow()
	}
}

func testCfg() config.Backpressure {
	cfg := config.DefaultBackpressure()
	cfg.MaxBufferedAmount = 1000
	cfg.LowThreshold = 1000
	cfg.EventTimeout = 50 * time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	return cfg
}

func TestWaitResolvesImmediatelyWhenAlreadyUnderThreshold(t *testing.T) {
	a := New(testCfg(), nil)
	ch := newFakeChannel(10)
	require.NoError(t, a.Wait(context.Background(), ch))
	assert.Equal(t, ObservedEvent, a.ObservedMode())
}

func TestWaitEventModeResolvesOnCallback(t *testing.T) {
	a := New(testCfg(), nil)
	ch := newFakeChannel(5000)

	done := make(chan error, 1)
	go func() { done <- a.Wait(context.Background(), ch) }()

	time.Sleep(5 * time.Millisecond)
	ch.fireLow(0)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after low-buffer callback fired")
	}
	assert.Equal(t, ObservedEvent, a.ObservedMode())
}

func TestWaitEventModeDowngradesToPollingOnTimeout(t *testing.T) {
	cfg := testCfg()
	a := New(cfg, nil)
	ch := newFakeChannel(5000)

	// Never fires fireLow; simulate the buffer draining via polling so the
	// downgraded path can still resolve.
	go func() {
		time.Sleep(cfg.EventTimeout + 10*time.Millisecond)
		ch.buffered = 0
	}()

	err := a.Wait(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, ObservedPolling, a.ObservedMode())

	// Downgrade is permanent: a later Wait call on a fresh channel that is
	// over the threshold uses polling, never registering the event callback.
	ch.onLow = nil
	ch2 := newFakeChannel(2000)
	go func() { time.Sleep(5 * time.Millisecond); ch2.buffered = 0 }()
	require.NoError(t, a.Wait(context.Background(), ch2))
	assert.Nil(t, ch2.onLow)
}

func TestWaitPollingModeResolvesWhenBufferDrains(t *testing.T) {
	cfg := testCfg()
	cfg.Mode = config.ModePolling
	a := New(cfg, nil)
	ch := newFakeChannel(5000)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ch.buffered = 0
	}()

	require.NoError(t, a.Wait(context.Background(), ch))
	assert.Equal(t, ObservedPolling, a.ObservedMode())
}

func TestWaitReturnsRecoverableErrorWhenChannelClosesDuringPolling(t *testing.T) {
	cfg := testCfg()
	cfg.Mode = config.ModePolling
	a := New(cfg, nil)
	ch := newFakeChannel(5000)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ch.open = false
	}()

	err := a.Wait(context.Background(), ch)
	require.Error(t, err)
	assert.True(t, xerrors.Recoverable(err))
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	cfg := testCfg()
	cfg.Mode = config.ModePolling
	a := New(cfg, nil)
	ch := newFakeChannel(5000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := a.Wait(ctx, ch)
	require.Error(t, err)
}

func TestWaitThresholdDiffersByMode(t *testing.T) {
	cfg := testCfg()
	cfg.MaxBufferedAmount = 500
	cfg.LowThreshold = 1000

	event := New(cfg, nil)
	assert.Equal(t, uint64(1000), event.WaitThreshold())

	cfg.Mode = config.ModePolling
	polling := New(cfg, nil)
	assert.Equal(t, uint64(500), polling.WaitThreshold())
}
