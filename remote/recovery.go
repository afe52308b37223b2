package remote

import (
	"sync"
	"time"

	"github.com/ndavat/rokuMote-sub000/logger"
)

// RecoveryConfig tunes the reconnect strategies.
type RecoveryConfig struct {
	AutoReconnect  bool
	MaxAttempts    int
	ReconnectDelay time.Duration // fixed delay after connection_lost
	InitialBackoff time.Duration // first delay after connection_failed
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRecoveryConfig returns the recovery tuning used when the caller
// supplies zero values.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		AutoReconnect:  true,
		MaxAttempts:    3,
		ReconnectDelay: 2 * time.Second,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// ReconnectFunc re-runs the connecting logic against the last-known device.
type ReconnectFunc func(deviceID string) error

// RecoveryEngine executes the retry/reconnect strategy table:
//
//	connection_lost            -> reconnect after a fixed delay, bounded by MaxAttempts
//	connection_failed, timeout -> reconnect with increasing delay, bounded by MaxAttempts
//
// command_failed is re-issued in place by the command queue. Non-recoverable
// kinds are surfaced to the caller and never auto-retried, except during an
// in-progress recovery, where they end it with a terminal result so nothing
// stays held for a reconnect that cannot happen.
type RecoveryEngine struct {
	cfg       RecoveryConfig
	bus       *EventBus
	timers    *timerSet
	reconnect ReconnectFunc
	onGiveUp  func(*ClassifiedError)

	mu      sync.Mutex
	attempt int
	cancel  func()
	closed  bool

	prefix string
}

// NewRecoveryEngine builds an engine driving reconnect and notifying onGiveUp
// when the attempt ceiling is exhausted. onGiveUp may be nil.
func NewRecoveryEngine(cfg RecoveryConfig, bus *EventBus, reconnect ReconnectFunc, onGiveUp func(*ClassifiedError)) *RecoveryEngine {
	def := DefaultRecoveryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = def.Multiplier
	}
	return &RecoveryEngine{
		cfg:       cfg,
		bus:       bus,
		timers:    newTimerSet(),
		reconnect: reconnect,
		onGiveUp:  onGiveUp,
		prefix:    "Recovery",
	}
}

// HandleError runs the strategy table for a classified failure targeting
// deviceID (the last-known device).
func (r *RecoveryEngine) HandleError(ce *ClassifiedError, deviceID string) {
	if ce == nil {
		return
	}
	if !ce.Recoverable {
		logger.Info(r.prefix, "%s is not recoverable, waiting for user action", ce.Kind)
		return
	}

	switch ce.Kind {
	case KindConnectionLost:
		r.schedule(deviceID, "reconnect-fixed", r.cfg.ReconnectDelay, ce)
	case KindConnectionFailed, KindTimeout:
		// a timeout here came from the connect path (the queue re-issues
		// command timeouts itself and never hands them over)
		r.schedule(deviceID, "reconnect-backoff", r.backoffDelay(), ce)
	}
}

func (r *RecoveryEngine) backoffDelay() time.Duration {
	r.mu.Lock()
	attempt := r.attempt
	r.mu.Unlock()

	delay := r.cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
		if delay > r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return delay
}

func (r *RecoveryEngine) schedule(deviceID, strategy string, delay time.Duration, ce *ClassifiedError) {
	if !r.cfg.AutoReconnect {
		return
	}

	r.mu.Lock()
	if r.closed || r.cancel != nil {
		// already shut down, or an attempt is already scheduled
		r.mu.Unlock()
		return
	}
	if r.attempt >= r.cfg.MaxAttempts {
		attempt := r.attempt
		r.mu.Unlock()
		r.giveUp(strategy, attempt, ce)
		return
	}
	r.attempt++
	attempt := r.attempt
	r.mu.Unlock()

	logger.Info(r.prefix, "%s: scheduling attempt %d/%d for %s in %v", strategy, attempt, r.cfg.MaxAttempts, deviceID, delay)
	r.publishProgress(EventRecoveryAttempt, strategy, attempt, false)

	cancel := r.timers.AfterFunc(delay, func() {
		r.runAttempt(deviceID, strategy, attempt)
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return
	}
	r.cancel = cancel
	r.mu.Unlock()
}

func (r *RecoveryEngine) runAttempt(deviceID, strategy string, attempt int) {
	r.mu.Lock()
	r.cancel = nil
	r.mu.Unlock()

	err := r.reconnect(deviceID)
	if err == nil {
		r.mu.Lock()
		r.attempt = 0
		r.mu.Unlock()
		logger.Info(r.prefix, "%s: attempt %d succeeded", strategy, attempt)
		r.publishProgress(EventRecoveryResult, strategy, attempt, true)
		return
	}

	ce := Classify(err)
	r.mu.Lock()
	exhausted := r.attempt >= r.cfg.MaxAttempts
	r.mu.Unlock()

	// A recovery in progress must end in a terminal result one way or the
	// other; an attempt failure that cannot be retried (non-recoverable, or
	// ceiling reached) gives up so held commands are flushed.
	if exhausted || !ce.Recoverable {
		r.giveUp(strategy, attempt, ce)
		return
	}
	// any retryable attempt failure reschedules with backoff, whatever kind
	// the attempt failed with
	r.schedule(deviceID, "reconnect-backoff", r.backoffDelay(), ce)
}

// giveUp converts the error into a terminal, non-retried failure.
func (r *RecoveryEngine) giveUp(strategy string, attempt int, ce *ClassifiedError) {
	logger.Warn(r.prefix, "%s: attempt ceiling %d reached, giving up: %v", strategy, r.cfg.MaxAttempts, ce)
	r.publishProgress(EventRecoveryResult, strategy, attempt, false)
	if r.onGiveUp != nil {
		r.onGiveUp(ce)
	}
}

func (r *RecoveryEngine) publishProgress(t EventType, strategy string, attempt int, success bool) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(Event{
		Type: t,
		Recovery: &RecoveryProgress{
			Strategy:    strategy,
			Attempt:     attempt,
			MaxAttempts: r.cfg.MaxAttempts,
			Success:     success,
		},
	})
}

// CancelPending cancels a scheduled reconnect attempt, if any.
func (r *RecoveryEngine) CancelPending() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pending reports whether a reconnect attempt is currently scheduled.
func (r *RecoveryEngine) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Reset clears the attempt counter.
func (r *RecoveryEngine) Reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// Close cancels everything; the engine schedules nothing afterwards.
func (r *RecoveryEngine) Close() {
	r.mu.Lock()
	r.closed = true
	r.cancel = nil
	r.mu.Unlock()
	r.timers.StopAll()
}

// PendingTimers reports scheduled timer count, for teardown verification.
func (r *RecoveryEngine) PendingTimers() int {
	return r.timers.Len()
}
