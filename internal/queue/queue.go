// Package queue holds outbound printer commands between their producers
// and the single consumer that transmits them.
//
// A CommandQueue keeps two structures. The primary store is drained in the
// queue's Discipline order (LIFO unless configured otherwise). The resend
// ledger records every command ever added, oldest first, so a stream can be
// replayed after a disconnect. A gate pauses all adds and gets without
// discarding anything.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/platen/internal/clock"
	"grimm.is/platen/internal/logging"
	"grimm.is/platen/internal/metrics"
)

// Discipline is the order in which the primary store hands out commands.
type Discipline int

const (
	// LIFO returns the most recently added command first.
	LIFO Discipline = iota
	// FIFO returns commands in program order.
	FIFO
)

func (d Discipline) String() string {
	switch d {
	case LIFO:
		return "lifo"
	case FIFO:
		return "fifo"
	default:
		return "unknown"
	}
}

// ParseDiscipline converts "lifo" or "fifo" into a Discipline.
func ParseDiscipline(s string) (Discipline, bool) {
	switch s {
	case "lifo", "LIFO", "":
		return LIFO, true
	case "fifo", "FIFO":
		return FIFO, true
	}
	return LIFO, false
}

// Command is one queued outbound instruction. The queue never modifies it.
type Command struct {
	Text      string
	Line      int
	Timestamp time.Time
}

// AddOptions control AddCommand. The zero value does not wait: set Block
// to wait for the gate and for room.
type AddOptions struct {
	// Resend is accepted for callers that mark replays; the command is
	// recorded in both structures either way.
	Resend bool
	// Block waits for the gate and for room. Without it a closed gate or a
	// full store fails immediately.
	Block bool
	// Timeout bounds a blocking call. Zero waits until ctx is done.
	Timeout time.Duration
}

// GetOptions control GetCommand. The zero value does not wait: set Block
// to wait for the gate and for a command.
type GetOptions struct {
	Block   bool
	Timeout time.Duration
	// Resend pops the resend ledger instead of the primary store.
	Resend bool
}

// CommandQueue is safe for concurrent producers and one consumer.
type CommandQueue struct {
	id         string
	discipline Discipline
	capacity   int
	clock      clock.Clock
	logger     *logging.Logger
	metrics    *metrics.Registry

	primary *store
	ledger  *store

	// gateMu guards gate and resend. gate is closed while the queue is open.
	// Lock order: primary, ledger, gateMu.
	gateMu sync.Mutex
	gate   chan struct{}
	resend bool

	enqueued atomic.Uint64
}

// Option configures a CommandQueue.
type Option func(*CommandQueue)

// WithDiscipline sets the primary store order.
func WithDiscipline(d Discipline) Option {
	return func(q *CommandQueue) {
		q.discipline = d
	}
}

// WithCapacity bounds the primary store to n commands. Zero means
// unbounded. The resend ledger is never bounded; ClearQueues empties it.
func WithCapacity(n int) Option {
	return func(q *CommandQueue) {
		q.capacity = n
	}
}

// WithClock sets the clock used for timestamps and timeouts.
func WithClock(c clock.Clock) Option {
	return func(q *CommandQueue) {
		q.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *CommandQueue) {
		q.logger = l
	}
}

// WithMetrics reports queue depth and gate state to r.
func WithMetrics(r *metrics.Registry) Option {
	return func(q *CommandQueue) {
		q.metrics = r
	}
}

// New creates an open, empty queue.
func New(opts ...Option) *CommandQueue {
	q := &CommandQueue{
		id:         uuid.NewString(),
		discipline: LIFO,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.clock == nil {
		q.clock = clock.Real()
	}
	if q.logger == nil {
		q.logger = logging.WithComponent("queue")
	}
	q.logger = q.logger.WithFields(map[string]any{"session": q.id})

	q.primary = newStore(q.discipline == LIFO, q.capacity)
	q.ledger = newStore(false, 0)

	q.gate = make(chan struct{})
	close(q.gate)

	q.logger.Debug("command queue created", "discipline", q.discipline.String(), "capacity", q.capacity)
	return q
}

// ID returns the session id of this queue.
func (q *CommandQueue) ID() string { return q.id }

// Discipline returns the primary store order.
func (q *CommandQueue) Discipline() Discipline { return q.discipline }

// NewCommand stamps a command with the queue's clock.
func (q *CommandQueue) NewCommand(text string, line int) Command {
	return Command{Text: text, Line: line, Timestamp: q.clock.Now()}
}

// deadline returns a channel closed after d, or nil for no timeout, and a
// stop func releasing the timer.
func (q *CommandQueue) deadline(d time.Duration) (<-chan struct{}, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	ch := make(chan struct{})
	t := q.clock.AfterFunc(d, func() { close(ch) })
	return ch, func() { t.Stop() }
}

func isOpen(gate chan struct{}) bool {
	select {
	case <-gate:
		return true
	default:
		return false
	}
}

// waitGate blocks until the gate is open.
func (q *CommandQueue) waitGate(ctx context.Context, block bool, expired <-chan struct{}) error {
	for {
		q.gateMu.Lock()
		gate := q.gate
		q.gateMu.Unlock()

		if isOpen(gate) {
			return nil
		}
		if !block {
			return ErrCommandRejected
		}

		select {
		case <-gate:
			// Re-check: the gate may have closed again before we got here.
		case <-expired:
			return ErrCommandRejected
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AddCommand records cmd in the primary store and in the resend ledger.
// The gate is checked again every time the call wakes, so a call waiting
// for room when Block is called waits for Unblock as well.
func (q *CommandQueue) AddCommand(ctx context.Context, cmd Command, opts AddOptions) error {
	expired, stop := q.deadline(opts.Timeout)
	defer stop()

	for {
		if err := q.waitGate(ctx, opts.Block, expired); err != nil {
			q.logger.Debug("add rejected", "line", cmd.Line, "error", err)
			return err
		}

		// Both structures are written in one critical section, primary
		// first, and only while the gate is open.
		q.primary.mu.Lock()
		q.ledger.mu.Lock()
		q.gateMu.Lock()
		open := isOpen(q.gate)
		room := q.primary.hasRoomLocked()
		if open && room {
			q.primary.pushLocked(cmd)
			q.ledger.pushLocked(cmd)
		}
		q.gateMu.Unlock()
		wait := q.primary.changed
		q.ledger.mu.Unlock()
		q.primary.mu.Unlock()

		if open && room {
			break
		}
		if !open {
			continue
		}
		if !opts.Block {
			return ErrPrimaryFull
		}
		select {
		case <-wait:
		case <-expired:
			return ErrPrimaryFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.enqueued.Add(1)
	q.metrics.ObserveEnqueued()
	q.reportDepth()
	return nil
}

// pop takes the next command from s if the gate is open. When nothing was
// taken it returns the channel closed on the next change to s.
func (q *CommandQueue) pop(s *store) (cmd Command, ok, open bool, changed <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.gateMu.Lock()
	defer q.gateMu.Unlock()

	if !isOpen(q.gate) {
		return Command{}, false, false, nil
	}
	cmd, ok = s.popLocked()
	return cmd, ok, true, s.changed
}

// GetCommand pops the next command from the primary store, or from the
// resend ledger when opts.Resend is set. Like AddCommand it honours a gate
// closed while the call is waiting.
func (q *CommandQueue) GetCommand(ctx context.Context, opts GetOptions) (Command, error) {
	expired, stop := q.deadline(opts.Timeout)
	defer stop()

	s, emptyErr := q.primary, ErrPrimaryEmpty
	if opts.Resend {
		s, emptyErr = q.ledger, ErrResendEmpty
	}

	for {
		if err := q.waitGate(ctx, opts.Block, expired); err != nil {
			return Command{}, err
		}

		cmd, ok, open, changed := q.pop(s)
		if ok {
			q.reportDepth()
			return cmd, nil
		}
		if !open {
			continue
		}
		if !opts.Block {
			return Command{}, emptyErr
		}
		select {
		case <-changed:
		case <-expired:
			return Command{}, emptyErr
		case <-ctx.Done():
			return Command{}, ctx.Err()
		}
	}
}

// Block closes the gate. Adds and gets wait until Unblock.
func (q *CommandQueue) Block() {
	q.gateMu.Lock()
	defer q.gateMu.Unlock()

	select {
	case <-q.gate:
		q.gate = make(chan struct{})
		q.metrics.SetQueueBlocked(true)
		q.logger.Info("command queue blocked")
	default:
	}
}

// Unblock opens the gate and releases every waiter.
func (q *CommandQueue) Unblock() {
	q.gateMu.Lock()
	defer q.gateMu.Unlock()

	select {
	case <-q.gate:
	default:
		close(q.gate)
		q.metrics.SetQueueBlocked(false)
		q.logger.Info("command queue unblocked")
	}
}

// Blocked reports whether the gate is closed.
func (q *CommandQueue) Blocked() bool {
	q.gateMu.Lock()
	defer q.gateMu.Unlock()
	return !isOpen(q.gate)
}

// Resend reports whether the consumer should drain the ledger next.
func (q *CommandQueue) Resend() bool {
	q.gateMu.Lock()
	defer q.gateMu.Unlock()
	return q.resend
}

// SetResend sets the resend flag.
func (q *CommandQueue) SetResend(v bool) {
	q.gateMu.Lock()
	defer q.gateMu.Unlock()
	q.resend = v
}

// ClearQueues empties both structures in one critical section.
func (q *CommandQueue) ClearQueues() {
	q.primary.mu.Lock()
	q.ledger.mu.Lock()
	dropped := len(q.primary.items)
	q.primary.clearLocked()
	q.ledger.clearLocked()
	q.ledger.mu.Unlock()
	q.primary.mu.Unlock()

	q.reportDepth()
	q.logger.Info("command queues cleared", "dropped", dropped)
}

// Len returns the number of commands in the primary store.
func (q *CommandQueue) Len() int { return q.primary.len() }

// ResendLen returns the number of commands in the resend ledger.
func (q *CommandQueue) ResendLen() int { return q.ledger.len() }

// Enqueued returns how many commands were ever added.
func (q *CommandQueue) Enqueued() uint64 { return q.enqueued.Load() }

// Pending returns the primary store contents in the order they will be popped.
func (q *CommandQueue) Pending() []Command {
	items := q.primary.snapshot()
	if q.discipline == LIFO {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	return items
}

func (q *CommandQueue) reportDepth() {
	if q.metrics == nil {
		return
	}
	q.metrics.SetQueueDepth("primary", q.primary.len())
	q.metrics.SetQueueDepth("resend", q.ledger.len())
}
