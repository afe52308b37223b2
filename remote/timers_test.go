package remote

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerSetFires(t *testing.T) {
	s := newTimerSet()

	var fired atomic.Int32
	s.AfterFunc(5*time.Millisecond, func() { fired.Add(1) })

	waitFor(t, time.Second, "timer callback", func() bool {
		return fired.Load() == 1
	})
	if s.Len() != 0 {
		t.Fatalf("timer still registered after firing, len = %d", s.Len())
	}
}

func TestTimerSetCancel(t *testing.T) {
	s := newTimerSet()

	var fired atomic.Int32
	cancel := s.AfterFunc(10*time.Millisecond, func() { fired.Add(1) })
	cancel()
	cancel() // cancelling twice is safe

	time.Sleep(30 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("cancelled timer fired")
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d after cancel, want 0", s.Len())
	}
}

func TestTimerSetStopAll(t *testing.T) {
	s := newTimerSet()

	var fired atomic.Int32
	for i := 0; i < 4; i++ {
		s.AfterFunc(10*time.Millisecond, func() { fired.Add(1) })
	}
	s.StopAll()

	time.Sleep(30 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("%d callbacks fired after StopAll", fired.Load())
	}

	// stopped sets reject new work
	s.AfterFunc(time.Millisecond, func() { fired.Add(1) })
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("timer scheduled after StopAll fired")
	}
	if s.Len() != 0 {
		t.Fatalf("len = %d after StopAll, want 0", s.Len())
	}
}
