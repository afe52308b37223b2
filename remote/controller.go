package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ndavat/rokuMote-sub000/logger"
)

// Options configures a Controller. The values come from the persistence
// collaborator at construction; the core treats them as read-only.
type Options struct {
	ServiceUUID        string
	CharacteristicUUID string
	PreferredDeviceID  string

	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration

	Queue    QueueConfig
	Recovery RecoveryConfig

	HistorySize int
}

// DefaultOptions returns the controller tuning used when the caller supplies
// zero values.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		ScanTimeout:        2 * time.Second,
		ConnectTimeout:     10 * time.Second,
		WriteTimeout:       5 * time.Second,
		KeepAliveInterval:  30 * time.Second,
		Queue:              DefaultQueueConfig(),
		Recovery:           DefaultRecoveryConfig(),
		HistorySize:        defaultHistoryCap,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = def.ServiceUUID
	}
	if o.CharacteristicUUID == "" {
		o.CharacteristicUUID = def.CharacteristicUUID
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = def.ScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.KeepAliveInterval < 0 {
		o.KeepAliveInterval = 0
	} else if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = def.KeepAliveInterval
	}
	if o.HistorySize <= 0 {
		o.HistorySize = def.HistorySize
	}
	return o
}

// Controller owns the connection lifecycle: scanning, connecting,
// disconnecting, reconnecting, keep-alive, and the authoritative connection
// state. It exclusively owns the active link and the connected device; the
// command queue exclusively owns pending commands.
type Controller struct {
	opts      Options
	transport Transport
	bus       *EventBus
	queue     *CommandQueue
	recovery  *RecoveryEngine
	timers    *timerSet

	// connMu serializes connect/disconnect/teardown sequences.
	connMu sync.Mutex

	mu              sync.Mutex
	state           ConnectionState
	link            Link
	device          *Device
	discovered      map[string]*Device
	stopScan        func()
	scanDone        chan struct{}
	cancelKeepAlive func()
	attempts        int
	lastDeviceID    string
	destroyed       bool

	prefix string
}

// NewController wires the core together around transport. bus may be nil, in
// which case the controller creates its own.
func NewController(transport Transport, opts Options, bus *EventBus) *Controller {
	opts = opts.withDefaults()
	if bus == nil {
		bus = NewEventBus(opts.HistorySize)
	}

	c := &Controller{
		opts:       opts,
		transport:  transport,
		bus:        bus,
		timers:     newTimerSet(),
		state:      StateDisconnected,
		discovered: make(map[string]*Device),
		prefix:     "Controller",
	}
	c.queue = NewCommandQueue(opts.Queue, bus)
	c.queue.SetHaltHandler(c.onQueueHalt)
	c.recovery = NewRecoveryEngine(opts.Recovery, bus, c.reconnectTo, c.onRecoveryGiveUp)

	transport.SetLinkLostHandler(c.onLinkLost)
	transport.SetAdapterStateHandler(c.onAdapterState)
	return c
}

// Bus exposes the event bus for UI/state observers.
func (c *Controller) Bus() *EventBus { return c.bus }

// State returns the current connection state.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectedDevice returns a copy of the connected device, or nil.
func (c *Controller) ConnectedDevice() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return nil
	}
	cp := *c.device
	return &cp
}

// ActiveLink reports whether a live link is held. Connected implies true,
// Disconnected implies false.
func (c *Controller) ActiveLink() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Attempts returns the per-connection-attempt counter. It increments on each
// connect call and resets on success or ResetAttempts.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ResetAttempts clears the connection attempt counter.
func (c *Controller) ResetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// QueueLen reports the number of commands waiting in the queue.
func (c *Controller) QueueLen() int { return c.queue.Len() }

// setState publishes a connection_state_changed event only when the value
// actually changes, so no-op calls never cause event storms.
func (c *Controller) setState(next ConnectionState) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = next
	c.mu.Unlock()

	logger.Info(c.prefix, "state %s -> %s", prev, next)
	c.bus.Publish(Event{Type: EventConnectionStateChanged, State: next, Previous: prev})
}

// Scan discovers nearby devices until the scan timeout elapses, StopScan is
// called, or ctx is cancelled. It returns the device set accumulated so far,
// deduplicated by device id with the most recent metadata kept. Scanning is
// only reachable from Disconnected or Error: an active or in-progress
// connection must be torn down with Disconnect first.
func (c *Controller) Scan(ctx context.Context) ([]Device, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, fmt.Errorf("controller destroyed")
	}
	switch c.state {
	case StateScanning:
		c.mu.Unlock()
		return nil, fmt.Errorf("scan already in progress")
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot scan while %s; disconnect first", c.state)
	}
	c.mu.Unlock()

	if err := c.transport.Ready(); err != nil {
		ce := Classify(err)
		c.bus.Publish(Event{Type: EventErrorOccurred, Err: ce})
		return nil, ce
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.discovered = make(map[string]*Device)
	c.scanDone = done
	c.mu.Unlock()
	c.setState(StateScanning)

	stop, err := c.transport.Scan([]string{c.opts.ServiceUUID}, c.onDeviceFound)
	if err != nil {
		c.mu.Lock()
		c.scanDone = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
		ce := Classify(err)
		c.bus.Publish(Event{Type: EventErrorOccurred, Err: ce})
		return nil, ce
	}
	c.mu.Lock()
	c.stopScan = stop
	c.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-done:
	case <-time.After(c.opts.ScanTimeout):
	}

	return c.finishScan(), nil
}

// StopScan ends an in-progress scan early. Safe to call when not scanning.
func (c *Controller) StopScan() {
	c.mu.Lock()
	done := c.scanDone
	c.scanDone = nil
	c.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (c *Controller) onDeviceFound(adv Device) {
	c.mu.Lock()
	if c.state != StateScanning {
		c.mu.Unlock()
		return
	}
	if existing, ok := c.discovered[adv.ID]; ok {
		existing.Update(adv)
	} else {
		cp := adv
		if cp.LastSeen.IsZero() {
			cp.LastSeen = time.Now()
		}
		c.discovered[adv.ID] = &cp
	}
	c.mu.Unlock()

	logger.Debug(c.prefix, "discovered %s (%s) rssi=%d", adv.Name, adv.ID, adv.RSSI)
	c.bus.Publish(Event{Type: EventDeviceDiscovered, Device: &adv})
}

// finishScan tears down the transport subscription and returns the
// deduplicated snapshot. The state only drops back to Disconnected when the
// scan itself still owns it (a concurrent Connect moves straight to
// Connecting).
func (c *Controller) finishScan() []Device {
	c.mu.Lock()
	stop := c.stopScan
	c.stopScan = nil
	c.scanDone = nil
	devices := make([]Device, 0, len(c.discovered))
	for _, d := range c.discovered {
		devices = append(devices, *d)
	}
	stillScanning := c.state == StateScanning
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if stillScanning {
		c.setState(StateDisconnected)
	}
	logger.Info(c.prefix, "scan finished, %d device(s)", len(devices))
	return devices
}

// DiscoveredDevices returns the current discovery snapshot.
func (c *Controller) DiscoveredDevices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := make([]Device, 0, len(c.discovered))
	for _, d := range c.discovered {
		devices = append(devices, *d)
	}
	return devices
}

// Connect establishes a link to deviceID. When already connected to that same
// device it short-circuits to success without a new handshake. Any other
// existing link is torn down first so there is never more than one live link.
func (c *Controller) Connect(ctx context.Context, deviceID string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("controller destroyed")
	}
	if c.state == StateConnected && c.device != nil && c.device.ID == deviceID {
		c.mu.Unlock()
		logger.Debug(c.prefix, "already connected to %s", deviceID)
		return nil
	}
	c.attempts++
	c.mu.Unlock()

	c.StopScan()
	return c.establish(ctx, deviceID, false)
}

// reconnectTo is the recovery engine's entry: it re-runs the connecting logic
// against the last-known device, reporting the outcome to the engine which
// owns rescheduling.
func (c *Controller) reconnectTo(deviceID string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("controller destroyed")
	}
	c.attempts++
	c.mu.Unlock()

	c.setState(StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()
	return c.establish(ctx, deviceID, true)
}

// establish runs the Connecting logic. viaRecovery suppresses the error
// handoff to the recovery engine, which drives its own rescheduling.
func (c *Controller) establish(ctx context.Context, deviceID string, viaRecovery bool) error {
	c.teardownLink("superseded")
	c.setState(StateConnecting)

	if err := c.transport.Ready(); err != nil {
		return c.failConnect(deviceID, Classify(err), viaRecovery)
	}

	link, err := c.transport.OpenLink(ctx, deviceID, c.opts.ConnectTimeout)
	if err != nil {
		return c.failConnect(deviceID, Classify(err), viaRecovery)
	}

	services, err := c.transport.DiscoverServices(ctx, link)
	if err != nil {
		_ = link.Close()
		return c.failConnect(deviceID, Classify(err), viaRecovery)
	}
	if !containsUUID(services, c.opts.ServiceUUID) {
		// connectable but serviceless devices are unusable
		_ = link.Close()
		ce := ClassifyAs(KindServiceNotFound,
			fmt.Errorf("device %s does not expose service %s: %w", deviceID, c.opts.ServiceUUID, ErrServiceNotFound))
		return c.failConnect(deviceID, ce, viaRecovery)
	}

	c.mu.Lock()
	c.link = link
	dev := c.discovered[deviceID]
	if dev == nil {
		dev = &Device{ID: deviceID, Connectable: true}
	}
	// the connected device's service list is authoritative from here on
	dev.ServiceUUIDs = services
	c.device = dev
	c.lastDeviceID = deviceID
	c.attempts = 0
	c.mu.Unlock()

	c.setState(StateConnected)
	c.queue.Start(c.writeCommand)
	c.startKeepAlive(link)

	devCopy := *dev
	logger.Info(c.prefix, "connected to %s (%s)", dev.Name, dev.ID)
	c.bus.Publish(Event{Type: EventDeviceConnected, Device: &devCopy})
	return nil
}

func (c *Controller) failConnect(deviceID string, ce *ClassifiedError, viaRecovery bool) error {
	c.mu.Lock()
	c.lastDeviceID = deviceID
	c.mu.Unlock()

	c.setState(StateError)
	logger.Warn(c.prefix, "connect to %s failed: %v", deviceID, ce)
	c.bus.Publish(Event{Type: EventErrorOccurred, Err: ce})
	if !viaRecovery {
		c.recovery.HandleError(ce, deviceID)
	}
	return ce
}

// teardownLink closes any existing link and stops its keep-alive, halting the
// queue with entries held. Best-effort: close failures are logged, never
// propagated.
func (c *Controller) teardownLink(reason string) {
	c.mu.Lock()
	link := c.link
	c.link = nil
	dev := c.device
	c.device = nil
	stopKA := c.cancelKeepAlive
	c.cancelKeepAlive = nil
	c.mu.Unlock()

	if stopKA != nil {
		stopKA()
	}
	c.queue.Halt()
	if link != nil {
		if err := link.Close(); err != nil {
			logger.Warn(c.prefix, "closing link during teardown (%s): %v", reason, err)
		}
		if dev != nil {
			devCopy := *dev
			c.bus.Publish(Event{Type: EventDeviceDisconnected, Device: &devCopy})
		}
	}
}

// Disconnect tears the connection down explicitly: keep-alive and pending
// reconnect timers are cancelled and the command queue is flushed before it
// returns.
func (c *Controller) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.StopScan()
	c.recovery.CancelPending()
	c.recovery.Reset()
	c.teardownLink("disconnect")
	c.queue.Flush(ClassifyAs(KindCommandFailed, fmt.Errorf("disconnected before send")))
	c.setState(StateDisconnected)
	return nil
}

// Destroy shuts the controller down for good: every outstanding timer is
// cancelled and every pending command resolved before it returns. Teardown is
// best-effort and never fails.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	_ = c.Disconnect()
	c.recovery.Close()
	c.timers.StopAll()
	logger.Info(c.prefix, "destroyed")
}

// onQueueHalt runs when the drain loop stops itself on a connection_lost
// write. The transport's disconnect notification may never arrive (and the
// keep-alive probe can be slow), so the failed write itself starts recovery.
func (c *Controller) onQueueHalt(cause *ClassifiedError) {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		// the out-of-band notification already tore this link down
		return
	}
	c.onLinkLost(link.DeviceID(), cause)
}

// onLinkLost handles the transport's out-of-band disconnect notification.
func (c *Controller) onLinkLost(deviceID string, cause error) {
	c.mu.Lock()
	if c.destroyed || c.link == nil || c.link.DeviceID() != deviceID {
		c.mu.Unlock()
		return
	}
	link := c.link
	c.link = nil
	dev := c.device
	c.device = nil
	stopKA := c.cancelKeepAlive
	c.cancelKeepAlive = nil
	c.mu.Unlock()

	if stopKA != nil {
		stopKA()
	}
	c.queue.Halt() // pending commands are held for the reconnect
	_ = link.Close()

	if cause == nil {
		cause = ErrConnectionLost
	}
	ce := ClassifyAs(KindConnectionLost, cause)
	logger.Warn(c.prefix, "link to %s lost: %v", deviceID, cause)

	c.setState(StateError)
	if dev != nil {
		devCopy := *dev
		c.bus.Publish(Event{Type: EventDeviceDisconnected, Device: &devCopy})
	}
	c.bus.Publish(Event{Type: EventErrorOccurred, Err: ce})
	c.recovery.HandleError(ce, deviceID)
}

// onAdapterState reacts to adapter power notifications. Power loss while
// connected is terminal: adapter_disabled needs user action, so the queue is
// flushed rather than held.
func (c *Controller) onAdapterState(powered bool) {
	if powered {
		return
	}
	c.mu.Lock()
	hadLink := c.link != nil
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed || !hadLink {
		return
	}

	logger.Warn(c.prefix, "adapter powered off while connected")
	c.teardownLink("adapter powered off")
	ce := ClassifyAs(KindAdapterDisabled, ErrAdapterDisabled)
	c.queue.Flush(ce)
	c.setState(StateError)
	c.bus.Publish(Event{Type: EventErrorOccurred, Err: ce})
}

// onRecoveryGiveUp runs when the recovery engine exhausts its ceiling; held
// commands must not wait for a reconnect that will never come.
func (c *Controller) onRecoveryGiveUp(ce *ClassifiedError) {
	c.queue.Flush(ce)
	c.setState(StateError)
}

// startKeepAlive schedules the liveness probe for link. Each tick verifies
// the link is still active and reschedules itself; a dead link escalates to
// connection_lost.
func (c *Controller) startKeepAlive(link Link) {
	if c.opts.KeepAliveInterval <= 0 {
		return
	}

	var tick func()
	schedule := func() {
		c.mu.Lock()
		if c.link == link {
			c.cancelKeepAlive = c.timers.AfterFunc(c.opts.KeepAliveInterval, tick)
		}
		c.mu.Unlock()
	}
	tick = func() {
		c.mu.Lock()
		current := c.link
		c.mu.Unlock()
		if current != link {
			return
		}
		if !link.Active() {
			logger.Warn(c.prefix, "keep-alive found dead link to %s", link.DeviceID())
			c.onLinkLost(link.DeviceID(), ErrConnectionLost)
			return
		}
		logger.Trace(c.prefix, "keep-alive: link to %s healthy", link.DeviceID())
		schedule()
	}
	schedule()
}

// writeCommand is the queue's WriteFunc: it encodes cmd and writes it to the
// command characteristic of the active link.
func (c *Controller) writeCommand(cmd Command) error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()

	if link == nil || !link.Active() {
		return ClassifyAs(KindConnectionLost, fmt.Errorf("no active link: %w", ErrConnectionLost))
	}

	data, err := encodeCommand(cmd)
	if err != nil {
		return ClassifyAs(KindCommandFailed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := c.transport.Write(ctx, link, c.opts.ServiceUUID, c.opts.CharacteristicUUID, data); err != nil {
		ce := Classify(err)
		if ce.Kind == KindUnknown {
			// a write failure on a live link is a command failure
			ce = ClassifyAs(KindCommandFailed, err)
		}
		return ce
	}
	return nil
}

// Send enqueues cmd for ordered delivery. The returned channel resolves
// exactly once with the command's result.
func (c *Controller) Send(cmd Command) <-chan CommandResult {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()

	if destroyed {
		ch := make(chan CommandResult, 1)
		ch <- CommandResult{
			Command: cmd,
			Success: false,
			Err:     ClassifyAs(KindCommandFailed, fmt.Errorf("controller destroyed")),
		}
		return ch
	}
	return c.queue.Enqueue(cmd)
}

// SendBatch submits an ordered list and waits for results. If the connection
// drops mid-batch the results gathered so far are returned; the batch is not
// retried.
func (c *Controller) SendBatch(cmds []Command) []CommandResult {
	pending := make([]<-chan CommandResult, len(cmds))
	for i, cmd := range cmds {
		pending[i] = c.Send(cmd)
	}

	results := make([]CommandResult, 0, len(cmds))
	for _, ch := range pending {
		select {
		case res := <-ch:
			results = append(results, res)
		case <-c.queue.Stopped():
			// drain halted; a result may still have raced in
			select {
			case res := <-ch:
				results = append(results, res)
			default:
				return results
			}
		}
	}
	return results
}
