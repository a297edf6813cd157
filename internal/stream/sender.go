// Package stream drains a CommandQueue toward the printer channel.
//
// Exactly one Sender consumes a queue. It transmits each command as a
// printer.gcode.script request, switches to the resend ledger when the
// queue's resend flag is set, and replays across disconnects without
// sending any line twice in the same session.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/platen/internal/logging"
	"grimm.is/platen/internal/metrics"
	"grimm.is/platen/internal/queue"
)

// MethodGCodeScript is the host method that runs G-code.
const MethodGCodeScript = "printer.gcode.script"

const defaultPollInterval = 250 * time.Millisecond

// Transmitter is the send path of the connection supervisor.
type Transmitter interface {
	SendRequest(method string, params map[string]any) bool
	WaitConnected(ctx context.Context) error
}

// Sender is the single consumer of a CommandQueue.
type Sender struct {
	q       *queue.CommandQueue
	tx      Transmitter
	logger  *logging.Logger
	metrics *metrics.Registry
	poll    time.Duration

	mu        sync.Mutex
	delivered map[int]struct{}
	carry     *queue.Command // popped but not yet transmitted

	sent    atomic.Uint64
	skipped atomic.Uint64
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) SenderOption {
	return func(s *Sender) { s.logger = l }
}

// WithMetrics counts transmitted commands in r.
func WithMetrics(r *metrics.Registry) SenderOption {
	return func(s *Sender) { s.metrics = r }
}

// WithPollInterval bounds how long Run waits on an empty primary store
// before re-checking the resend flag.
func WithPollInterval(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.poll = d
		}
	}
}

// NewSender creates a sender for q over tx.
func NewSender(q *queue.CommandQueue, tx Transmitter, opts ...SenderOption) *Sender {
	s := &Sender{
		q:         q,
		tx:        tx,
		poll:      defaultPollInterval,
		delivered: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.WithComponent("stream")
	}
	return s
}

// Run transmits commands until ctx is done or the queue fails with an
// error other than empty or rejected.
func (s *Sender) Run(ctx context.Context) error {
	s.logger.Info("stream sender started", "session", s.q.ID())
	defer s.logger.Info("stream sender stopped", "sent", s.Sent(), "skipped", s.Skipped())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cmd, source, err := s.next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrResendEmpty):
			// Ledger exhausted: back to the primary store.
			s.q.SetResend(false)
			s.logger.Debug("resend complete")
			continue
		case errors.Is(err, queue.ErrQueueEmpty), errors.Is(err, queue.ErrCommandRejected):
			continue
		default:
			return err
		}

		if s.isDelivered(cmd.Line) {
			s.skipped.Add(1)
			continue
		}

		if !s.tx.SendRequest(MethodGCodeScript, map[string]any{"script": cmd.Text}) {
			s.logger.Warn("send failed, waiting for connection", "line", cmd.Line)
			s.hold(cmd)
			s.q.SetResend(true)
			if err := s.tx.WaitConnected(ctx); err != nil {
				return err
			}
			s.logger.Info("connection back, replaying ledger")
			continue
		}

		s.markDelivered(cmd.Line)
		s.sent.Add(1)
		s.metrics.ObserveSent(source)
	}
}

// next returns the held command first, then the ledger while resending,
// then the primary store.
func (s *Sender) next(ctx context.Context) (queue.Command, string, error) {
	s.mu.Lock()
	if s.carry != nil {
		cmd := *s.carry
		s.carry = nil
		s.mu.Unlock()
		return cmd, "retry", nil
	}
	s.mu.Unlock()

	if s.q.Resend() {
		cmd, err := s.q.GetCommand(ctx, queue.GetOptions{Block: true, Timeout: s.poll, Resend: true})
		return cmd, "resend", err
	}
	cmd, err := s.q.GetCommand(ctx, queue.GetOptions{Block: true, Timeout: s.poll})
	return cmd, "primary", err
}

func (s *Sender) hold(cmd queue.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carry = &cmd
}

func (s *Sender) isDelivered(line int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.delivered[line]
	return ok
}

func (s *Sender) markDelivered(line int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[line] = struct{}{}
}

// RequestResend forgets deliveries at or after fromLine and switches the
// sender to the ledger. Only commands still held in the ledger can be
// replayed.
func (s *Sender) RequestResend(fromLine int) {
	s.mu.Lock()
	for line := range s.delivered {
		if line >= fromLine {
			delete(s.delivered, line)
		}
	}
	s.mu.Unlock()

	s.q.SetResend(true)
	s.logger.Info("resend requested", "from_line", fromLine)
}

// Reset clears delivery memory for a new session.
func (s *Sender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = make(map[int]struct{})
	s.carry = nil
}

// Sent returns how many commands were transmitted.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// Skipped returns how many popped commands were already delivered.
func (s *Sender) Skipped() uint64 { return s.skipped.Load() }
