package remote

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

const (
	testServiceUUID = "f5b7a2d0-5b8c-4c5e-9b2a-6a1f3c7d9e01"
	testCharUUID    = "f5b7a2d1-5b8c-4c5e-9b2a-6a1f3c7d9e01"
)

type fakeLink struct {
	id string

	mu     sync.Mutex
	active bool
	closed bool
}

func (l *fakeLink) DeviceID() string { return l.id }

func (l *fakeLink) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = false
	l.closed = true
	return nil
}

func (l *fakeLink) drop() {
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeTransport is an in-memory Transport for driving the controller in
// tests. Advertisements are delivered synchronously during Scan.
type fakeTransport struct {
	mu sync.Mutex

	readyErr  error
	adverts   []Device
	services  map[string][]string
	openErrs  map[string]error
	writeHook func(n int, data []byte) error

	link       *fakeLink
	openCount  int
	writeN     int
	writes     [][]byte
	onLinkLost func(deviceID string, cause error)
	onAdapter  func(powered bool)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		services: make(map[string][]string),
		openErrs: make(map[string]error),
	}
}

func (t *fakeTransport) Ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readyErr
}

func (t *fakeTransport) Scan(serviceFilter []string, onFound func(Device)) (func(), error) {
	t.mu.Lock()
	adverts := append([]Device(nil), t.adverts...)
	t.mu.Unlock()
	for _, d := range adverts {
		onFound(d)
	}
	return func() {}, nil
}

func (t *fakeTransport) OpenLink(ctx context.Context, deviceID string, timeout time.Duration) (Link, error) {
	t.mu.Lock()
	t.openCount++
	err := t.openErrs[deviceID]
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	l := &fakeLink{id: deviceID, active: true}
	t.mu.Lock()
	t.link = l
	t.mu.Unlock()
	return l, nil
}

func (t *fakeTransport) DiscoverServices(ctx context.Context, link Link) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if svcs, ok := t.services[link.DeviceID()]; ok {
		return svcs, nil
	}
	return []string{testServiceUUID}, nil
}

func (t *fakeTransport) Write(ctx context.Context, link Link, serviceUUID, characteristicUUID string, data []byte) error {
	t.mu.Lock()
	t.writeN++
	n := t.writeN
	hook := t.writeHook
	t.mu.Unlock()

	if hook != nil {
		if err := hook(n, data); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.writes = append(t.writes, data)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SetLinkLostHandler(fn func(deviceID string, cause error)) {
	t.mu.Lock()
	t.onLinkLost = fn
	t.mu.Unlock()
}

func (t *fakeTransport) SetAdapterStateHandler(fn func(powered bool)) {
	t.mu.Lock()
	t.onAdapter = fn
	t.mu.Unlock()
}

// dropLink simulates an out-of-band link loss: the link goes inactive and
// the disconnect notification fires.
func (t *fakeTransport) dropLink() {
	t.mu.Lock()
	l := t.link
	fn := t.onLinkLost
	t.mu.Unlock()
	if l == nil {
		return
	}
	l.drop()
	if fn != nil {
		fn(l.id, fmt.Errorf("peripheral went away: %w", ErrConnectionLost))
	}
}

func (t *fakeTransport) powerOff() {
	t.mu.Lock()
	fn := t.onAdapter
	t.mu.Unlock()
	if fn != nil {
		fn(false)
	}
}

func (t *fakeTransport) opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openCount
}

func (t *fakeTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}

func (t *fakeTransport) currentLink() *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link
}

func newTestOptions() Options {
	return Options{
		ServiceUUID:        testServiceUUID,
		CharacteristicUUID: testCharUUID,
		ScanTimeout:        50 * time.Millisecond,
		ConnectTimeout:     100 * time.Millisecond,
		WriteTimeout:       100 * time.Millisecond,
		KeepAliveInterval:  -1, // probes scheduled explicitly where a test needs them
		Queue: QueueConfig{
			MaxDepth:   4,
			SendDelay:  time.Millisecond,
			RetryDelay: 2 * time.Millisecond,
			MaxRetries: 1,
		},
		Recovery: RecoveryConfig{
			AutoReconnect:  true,
			MaxAttempts:    2,
			ReconnectDelay: 20 * time.Millisecond,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     40 * time.Millisecond,
			Multiplier:     2.0,
		},
		HistorySize: 50,
	}
}

func newTestController(t *testing.T, tr *fakeTransport, opts Options) *Controller {
	t.Helper()
	c := NewController(tr, opts, nil)
	t.Cleanup(c.Destroy)
	return c
}

// eventRecorder captures bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) subscribe(bus *EventBus, types ...EventType) {
	for _, t := range types {
		bus.Subscribe(t, func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", d, what)
}
