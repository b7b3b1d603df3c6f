package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAfterFires(t *testing.T) {
	s := NewSet()
	defer s.Stop()

	var fired int32
	s.After(10*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestCancelPreventsFiring(t *testing.T) {
	s := NewSet()
	defer s.Stop()

	var fired int32
	h := s.After(20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	s.Cancel(h)

	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestStopCancelsEverythingAndIsIdempotent(t *testing.T) {
	s := NewSet()

	var fired int32
	s.After(20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	s.Stop()
	s.Stop()

	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))

	// After on a stopped set is a no-op, not a panic.
	h := s.After(time.Millisecond, func() {})
	assert.Equal(t, Handle(0), h)
}
