package remote

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastQueueConfig() QueueConfig {
	return QueueConfig{
		MaxDepth:   4,
		SendDelay:  time.Millisecond,
		RetryDelay: time.Millisecond,
		MaxRetries: 1,
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	q := NewCommandQueue(fastQueueConfig(), nil)
	defer q.Halt()

	var mu sync.Mutex
	var sent []string
	q.Start(func(cmd Command) error {
		mu.Lock()
		sent = append(sent, cmd.Action)
		mu.Unlock()
		return nil
	})

	chans := []<-chan CommandResult{
		q.Enqueue(NewKeyPress(KeyHome)),
		q.Enqueue(NewKeyPress(KeyUp)),
		q.Enqueue(NewKeyPress(KeySelect)),
	}
	for _, ch := range chans {
		res := <-ch
		if !res.Success {
			t.Fatalf("command failed: %v", res.Err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 3 || sent[0] != KeyHome || sent[1] != KeyUp || sent[2] != KeySelect {
		t.Fatalf("sent order = %v", sent)
	}
}

func TestQueueSingleInFlight(t *testing.T) {
	q := NewCommandQueue(fastQueueConfig(), nil)
	defer q.Halt()

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	q.Start(func(Command) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	var chans []<-chan CommandResult
	for i := 0; i < 4; i++ {
		chans = append(chans, q.Enqueue(NewKeyPress(KeyDown)))
	}
	for _, ch := range chans {
		<-ch
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("max in-flight writes = %d, want 1", maxInFlight)
	}
}

func TestQueueOverflowRejectsNewest(t *testing.T) {
	cfg := fastQueueConfig()
	cfg.MaxDepth = 2
	q := NewCommandQueue(cfg, nil)
	// not started: enqueued commands sit in the queue

	a := q.Enqueue(NewKeyPress(KeyUp))
	b := q.Enqueue(NewKeyPress(KeyDown))
	rejected := q.Enqueue(NewKeyPress(KeySelect))

	res := <-rejected
	if res.Success {
		t.Fatal("overflow command succeeded")
	}
	if res.Err == nil || res.Err.Kind != KindCommandFailed {
		t.Fatalf("overflow error = %v, want %s", res.Err, KindCommandFailed)
	}
	if q.Len() != 2 {
		t.Fatalf("queue length = %d after overflow, want 2", q.Len())
	}

	// the held entries are untouched and still deliverable
	q.Start(func(Command) error { return nil })
	defer q.Halt()
	if res := <-a; !res.Success {
		t.Fatalf("held command failed: %v", res.Err)
	}
	if res := <-b; !res.Success {
		t.Fatalf("held command failed: %v", res.Err)
	}
}

func TestQueueRetryThenSuccess(t *testing.T) {
	bus := NewEventBus(0)
	q := NewCommandQueue(fastQueueConfig(), bus)
	defer q.Halt()

	var retries atomic.Int32
	bus.Subscribe(EventRecoveryAttempt, func(ev Event) {
		if ev.Recovery != nil && ev.Recovery.Strategy == "command-retry" {
			retries.Add(1)
		}
	})

	calls := 0
	q.Start(func(Command) error {
		calls++
		if calls == 1 {
			return ClassifyAs(KindCommandFailed, errors.New("transient write failure"))
		}
		return nil
	})

	res := <-q.Enqueue(NewKeyPress(KeyPlay))
	if !res.Success {
		t.Fatalf("command failed after retry: %v", res.Err)
	}
	if calls != 2 {
		t.Fatalf("write called %d times, want 2", calls)
	}

	waitFor(t, time.Second, "retry event", func() bool { return retries.Load() == 1 })
}

func TestQueueRetryCeilingTerminalFailure(t *testing.T) {
	q := NewCommandQueue(fastQueueConfig(), nil) // MaxRetries = 1
	defer q.Halt()

	calls := 0
	q.Start(func(Command) error {
		calls++
		return ClassifyAs(KindTimeout, fmt.Errorf("no ack: %w", ErrTimeout))
	})

	res := <-q.Enqueue(NewKeyPress(KeyMute))
	if res.Success {
		t.Fatal("command succeeded, want terminal failure")
	}
	if res.Err.Kind != KindTimeout {
		t.Fatalf("error kind = %s, want %s", res.Err.Kind, KindTimeout)
	}
	if calls != 2 { // initial attempt + one retry
		t.Fatalf("write called %d times, want 2", calls)
	}
	if q.Len() != 0 {
		t.Fatalf("queue length = %d after terminal failure, want 0", q.Len())
	}
}

func TestQueueHoldsEntriesOnConnectionLost(t *testing.T) {
	q := NewCommandQueue(fastQueueConfig(), nil)
	defer q.Halt()

	var mu sync.Mutex
	linkUp := false
	q.Start(func(Command) error {
		mu.Lock()
		up := linkUp
		mu.Unlock()
		if !up {
			return ClassifyAs(KindConnectionLost, fmt.Errorf("link died: %w", ErrConnectionLost))
		}
		return nil
	})

	a := q.Enqueue(NewKeyPress(KeyUp))
	b := q.Enqueue(NewKeyPress(KeyDown))

	// drain loop hits connection_lost and stops with both entries held
	waitFor(t, time.Second, "drain halt", func() bool {
		select {
		case <-q.Stopped():
			return true
		default:
			return false
		}
	})
	if q.Len() != 2 {
		t.Fatalf("queue length = %d after halt, want 2", q.Len())
	}
	select {
	case res := <-a:
		t.Fatalf("held command resolved early: %+v", res)
	default:
	}

	// reconnect: restart the drain, held entries go out in order
	mu.Lock()
	linkUp = true
	mu.Unlock()
	q.Start(func(Command) error { return nil })

	if res := <-a; !res.Success {
		t.Fatalf("first held command failed: %v", res.Err)
	}
	if res := <-b; !res.Success {
		t.Fatalf("second held command failed: %v", res.Err)
	}
}

func TestQueueReportsHaltCause(t *testing.T) {
	q := NewCommandQueue(fastQueueConfig(), nil)
	defer q.Halt()

	var mu sync.Mutex
	var causes []*ClassifiedError
	q.SetHaltHandler(func(ce *ClassifiedError) {
		mu.Lock()
		causes = append(causes, ce)
		mu.Unlock()
	})

	q.Start(func(Command) error {
		return ClassifyAs(KindConnectionLost, fmt.Errorf("link died: %w", ErrConnectionLost))
	})
	q.Enqueue(NewKeyPress(KeyHome))

	waitFor(t, time.Second, "halt cause", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(causes) == 1 && causes[0].Kind == KindConnectionLost
	})
	if q.Len() != 1 {
		t.Fatalf("queue length = %d after reported halt, want 1 (entry held)", q.Len())
	}
}

func TestQueueFlushResolvesAllPending(t *testing.T) {
	q := NewCommandQueue(fastQueueConfig(), nil)

	a := q.Enqueue(NewKeyPress(KeyUp))
	b := q.Enqueue(NewKeyPress(KeyDown))

	cause := ClassifyAs(KindAdapterDisabled, ErrAdapterDisabled)
	q.Flush(cause)

	for _, ch := range []<-chan CommandResult{a, b} {
		res := <-ch
		if res.Success {
			t.Fatal("flushed command reported success")
		}
		if res.Err.Kind != KindAdapterDisabled {
			t.Fatalf("flush error kind = %s, want %s", res.Err.Kind, KindAdapterDisabled)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("queue length = %d after flush, want 0", q.Len())
	}
}

func TestQueueStoppedChannel(t *testing.T) {
	q := NewCommandQueue(fastQueueConfig(), nil)

	select {
	case <-q.Stopped():
	default:
		t.Fatal("Stopped() not closed before Start")
	}

	q.Start(func(Command) error { return nil })
	select {
	case <-q.Stopped():
		t.Fatal("Stopped() closed while running")
	default:
	}

	q.Halt()
	select {
	case <-q.Stopped():
	case <-time.After(time.Second):
		t.Fatal("Stopped() not closed after Halt")
	}
}

func TestQueuePublishesCommandSent(t *testing.T) {
	bus := NewEventBus(0)
	q := NewCommandQueue(fastQueueConfig(), bus)
	defer q.Halt()

	var mu sync.Mutex
	var outcomes []bool
	bus.Subscribe(EventCommandSent, func(ev Event) {
		mu.Lock()
		outcomes = append(outcomes, ev.Result.Success)
		mu.Unlock()
	})

	q.Start(func(Command) error { return nil })
	<-q.Enqueue(NewKeyPress(KeyHome))

	waitFor(t, time.Second, "command_sent event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) == 1 && outcomes[0]
	})
}
