package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/ndavat/rokuMote-sub000/logger"
)

// WriteFunc delivers one encoded command over the active link. It must return
// an error Classify can map; a ConnectionLost kind halts the drain loop.
type WriteFunc func(Command) error

// QueueConfig bounds and paces the command queue.
type QueueConfig struct {
	MaxDepth   int           // enqueue beyond this rejects the new command
	SendDelay  time.Duration // pause between consecutive sends
	RetryDelay time.Duration // pause before re-issuing a failed command
	MaxRetries int           // per-command retry ceiling (command_failed/timeout)
}

// DefaultQueueConfig returns the queue tuning used when the caller supplies
// zero values.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxDepth:   10,
		SendDelay:  100 * time.Millisecond,
		RetryDelay: 500 * time.Millisecond,
		MaxRetries: 2,
	}
}

// queuedCommand lives only inside the queue: the command plus its enqueue
// time, retry count, and completion sink. The sink resolves exactly once.
type queuedCommand struct {
	cmd        Command
	enqueuedAt time.Time
	retries    int
	once       sync.Once
	done       chan CommandResult
}

func (qc *queuedCommand) resolve(res CommandResult) {
	qc.once.Do(func() {
		qc.done <- res
	})
}

// CommandQueue serializes outbound commands against the active connection:
// bounded depth, strict FIFO, at most one write in flight. The drain loop is
// started once a link is up and halted when the link goes away; halted
// entries stay queued until the owner either restarts the drain after a
// reconnect or flushes.
type CommandQueue struct {
	cfg QueueConfig

	mu      sync.Mutex
	pending []*queuedCommand
	running bool
	stop    chan struct{}
	haltCh  chan struct{}
	wake    chan struct{}
	onHalt  func(cause *ClassifiedError)

	bus    *EventBus
	prefix string
}

// NewCommandQueue builds a queue publishing outcomes on bus.
func NewCommandQueue(cfg QueueConfig, bus *EventBus) *CommandQueue {
	def := DefaultQueueConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.SendDelay <= 0 {
		cfg.SendDelay = def.SendDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &CommandQueue{
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		bus:    bus,
		prefix: "CommandQueue",
	}
}

// SetHaltHandler registers fn to run when the drain loop halts itself on a
// connection_lost write failure. The transport's own disconnect notification
// can lag or never arrive; this hands the owner the dead link right away.
func (q *CommandQueue) SetHaltHandler(fn func(cause *ClassifiedError)) {
	q.mu.Lock()
	q.onHalt = fn
	q.mu.Unlock()
}

// Enqueue adds cmd and returns its pending result. When the queue is at
// capacity the new command is rejected immediately with a failed result and
// existing entries are untouched; Enqueue never blocks.
func (q *CommandQueue) Enqueue(cmd Command) <-chan CommandResult {
	qc := &queuedCommand{
		cmd:        cmd,
		enqueuedAt: time.Now(),
		done:       make(chan CommandResult, 1),
	}

	q.mu.Lock()
	if len(q.pending) >= q.cfg.MaxDepth {
		q.mu.Unlock()
		logger.Warn(q.prefix, "queue full (depth %d), rejecting command %s", q.cfg.MaxDepth, cmd.ID)
		qc.resolve(CommandResult{
			Command: cmd,
			Success: false,
			Err:     ClassifyAs(KindCommandFailed, fmt.Errorf("command queue full (depth %d)", q.cfg.MaxDepth)),
		})
		return qc.done
	}
	q.pending = append(q.pending, qc)
	q.mu.Unlock()

	q.signal()
	return qc.done
}

// Start begins draining against write. No-op when a drain loop is already
// running.
func (q *CommandQueue) Start(write WriteFunc) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	stop := make(chan struct{})
	halted := make(chan struct{})
	prev := q.haltCh
	q.stop = stop
	q.haltCh = halted
	q.mu.Unlock()

	go func() {
		defer func() {
			q.mu.Lock()
			if q.haltCh == halted {
				q.running = false
			}
			q.mu.Unlock()
			close(halted)
		}()
		if prev != nil {
			// wait out the previous drain loop so writes never overlap
			<-prev
		}
		q.drain(stop, write)
	}()
}

// Halt stops the drain loop, leaving pending entries queued so they survive a
// reconnect. Safe to call when not running.
func (q *CommandQueue) Halt() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stop := q.stop
	q.stop = nil
	q.mu.Unlock()
	close(stop)
}

// Stopped returns a channel closed once no drain loop is running. Callers
// waiting on command results select on it to observe a mid-batch halt.
func (q *CommandQueue) Stopped() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return q.haltCh
}

// Flush rejects every pending entry with a terminal failure. Must be called
// on disconnect/destroy so no caller is left waiting forever.
func (q *CommandQueue) Flush(cause *ClassifiedError) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(pending) > 0 {
		logger.Info(q.prefix, "flushing %d pending command(s): %s", len(pending), cause.Kind)
	}
	for _, qc := range pending {
		qc.resolve(CommandResult{
			Command: qc.cmd,
			Success: false,
			Err:     cause,
			Latency: time.Since(qc.enqueuedAt),
		})
	}
}

// Len reports the number of pending entries.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *CommandQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *CommandQueue) head() *queuedCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// pop removes qc if it is still at the head. A concurrent Flush may already
// have taken it; resolve's once-guard keeps that race harmless.
func (q *CommandQueue) pop(qc *queuedCommand) {
	q.mu.Lock()
	if len(q.pending) > 0 && q.pending[0] == qc {
		q.pending = q.pending[1:]
	}
	q.mu.Unlock()
}

// drain processes entries strictly FIFO, one at a time. Never two commands in
// flight against the transport.
func (q *CommandQueue) drain(stop chan struct{}, write WriteFunc) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		qc := q.head()
		if qc == nil {
			select {
			case <-stop:
				return
			case <-q.wake:
				continue
			}
		}

		started := time.Now()
		err := write(qc.cmd)
		if err == nil {
			q.pop(qc)
			res := CommandResult{
				Command: qc.cmd,
				Success: true,
				Latency: time.Since(started),
			}
			qc.resolve(res)
			logger.Debug(q.prefix, "sent %s/%s (%v)", qc.cmd.Type, qc.cmd.Action, res.Latency)
			q.publishOutcome(res)
		} else {
			ce := Classify(err)
			switch {
			case ce.Kind == KindConnectionLost:
				// The link died mid-drain. Halt immediately; entries stay
				// queued for the reconnect path, the qc at head included.
				logger.Warn(q.prefix, "connection lost mid-drain, %d command(s) held", q.Len())
				q.mu.Lock()
				onHalt := q.onHalt
				q.mu.Unlock()
				if onHalt != nil {
					onHalt(ce)
				}
				return

			case (ce.Kind == KindCommandFailed || ce.Kind == KindTimeout) && qc.retries < q.cfg.MaxRetries:
				qc.retries++
				logger.Debug(q.prefix, "command %s failed (%s), retry %d/%d", qc.cmd.ID, ce.Kind, qc.retries, q.cfg.MaxRetries)
				if q.bus != nil {
					q.bus.Publish(Event{
						Type: EventRecoveryAttempt,
						Recovery: &RecoveryProgress{
							Strategy:    "command-retry",
							Attempt:     qc.retries,
							MaxAttempts: q.cfg.MaxRetries,
						},
					})
				}
				select {
				case <-stop:
					return
				case <-time.After(q.cfg.RetryDelay):
				}
				continue

			default:
				q.pop(qc)
				res := CommandResult{
					Command: qc.cmd,
					Success: false,
					Err:     ce,
					Latency: time.Since(started),
				}
				qc.resolve(res)
				logger.Warn(q.prefix, "command %s failed terminally: %v", qc.cmd.ID, ce)
				q.publishOutcome(res)
			}
		}

		// pacing between consecutive sends so the peripheral is not saturated
		select {
		case <-stop:
			return
		case <-time.After(q.cfg.SendDelay):
		}
	}
}

func (q *CommandQueue) publishOutcome(res CommandResult) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(Event{Type: EventCommandSent, Result: &res})
}
