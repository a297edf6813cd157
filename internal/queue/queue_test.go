package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/platen/internal/logging"
	"grimm.is/platen/internal/metrics"
)

func newTestQueue(opts ...Option) *CommandQueue {
	return New(append([]Option{WithLogger(logging.Nop())}, opts...)...)
}

func fill(t *testing.T, q *CommandQueue, n int) []Command {
	t.Helper()
	var cmds []Command
	for i := 1; i <= n; i++ {
		cmd := q.NewCommand(fmt.Sprintf("G1 X%d", i), i)
		require.NoError(t, q.AddCommand(context.Background(), cmd, AddOptions{Block: true}))
		cmds = append(cmds, cmd)
	}
	return cmds
}

func drain(t *testing.T, q *CommandQueue, resend bool) []int {
	t.Helper()
	var lines []int
	for {
		cmd, err := q.GetCommand(context.Background(), GetOptions{Resend: resend})
		if errors.Is(err, ErrQueueEmpty) {
			return lines
		}
		require.NoError(t, err)
		lines = append(lines, cmd.Line)
	}
}

func TestCommandQueue_LIFOAndLedger(t *testing.T) {
	q := newTestQueue()
	assert.Equal(t, LIFO, q.Discipline())

	fill(t, q, 5)
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 5, q.ResendLen(), "every add is recorded in the ledger")
	assert.Equal(t, uint64(5), q.Enqueued())

	assert.Equal(t, []int{5, 4, 3, 2, 1}, drain(t, q, false))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, drain(t, q, true))
}

func TestCommandQueue_FIFODiscipline(t *testing.T) {
	q := newTestQueue(WithDiscipline(FIFO))
	fill(t, q, 4)

	pending := q.Pending()
	require.Len(t, pending, 4)
	assert.Equal(t, 1, pending[0].Line)

	assert.Equal(t, []int{1, 2, 3, 4}, drain(t, q, false))
	assert.Equal(t, []int{1, 2, 3, 4}, drain(t, q, true))
}

func TestCommandQueue_PendingLIFOOrder(t *testing.T) {
	q := newTestQueue()
	fill(t, q, 3)

	var lines []int
	for _, c := range q.Pending() {
		lines = append(lines, c.Line)
	}
	assert.Equal(t, []int{3, 2, 1}, lines)
}

func TestCommandQueue_ResendOptionStillDualWrites(t *testing.T) {
	q := newTestQueue()
	cmd := q.NewCommand("M105", 7)

	require.NoError(t, q.AddCommand(context.Background(), cmd, AddOptions{Resend: true}))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.ResendLen())

	got, err := q.GetCommand(context.Background(), GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, cmd, got, "queue never mutates commands")
}

func TestCommandQueue_DistinctEmptyErrors(t *testing.T) {
	q := newTestQueue()

	_, err := q.GetCommand(context.Background(), GetOptions{})
	assert.ErrorIs(t, err, ErrPrimaryEmpty)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.NotErrorIs(t, err, ErrResendEmpty)

	_, err = q.GetCommand(context.Background(), GetOptions{Resend: true})
	assert.ErrorIs(t, err, ErrResendEmpty)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.NotErrorIs(t, err, ErrPrimaryEmpty)
}

func TestCommandQueue_ClearQueues(t *testing.T) {
	q := newTestQueue()
	fill(t, q, 10)

	q.ClearQueues()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.ResendLen())

	done := make(chan error, 2)
	go func() {
		_, err := q.GetCommand(context.Background(), GetOptions{Block: false})
		done <- err
	}()
	go func() {
		_, err := q.GetCommand(context.Background(), GetOptions{Block: false, Resend: true})
		done <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrQueueEmpty)
		case <-time.After(time.Second):
			t.Fatal("non-blocking get blocked after ClearQueues")
		}
	}
}

func TestCommandQueue_BlockUnblockAdd(t *testing.T) {
	q := newTestQueue()
	q.Block()
	assert.True(t, q.Blocked())

	added := make(chan error, 1)
	go func() {
		added <- q.AddCommand(context.Background(), q.NewCommand("G28", 1), AddOptions{Block: true})
	}()

	select {
	case <-added:
		t.Fatal("AddCommand returned while the gate was closed")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, q.Len(), "command must not be enqueued before unblock")

	q.Unblock()
	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("AddCommand did not resume after Unblock")
	}
	assert.Equal(t, 1, q.Len())
	assert.False(t, q.Blocked())
}

func TestCommandQueue_BlockedGetWaits(t *testing.T) {
	q := newTestQueue()
	fill(t, q, 1)
	q.Block()

	got := make(chan Command, 1)
	go func() {
		cmd, err := q.GetCommand(context.Background(), GetOptions{Block: true})
		if err == nil {
			got <- cmd
		}
	}()

	select {
	case <-got:
		t.Fatal("GetCommand returned while the gate was closed")
	case <-time.After(50 * time.Millisecond):
	}

	q.Unblock()
	select {
	case cmd := <-got:
		assert.Equal(t, 1, cmd.Line)
	case <-time.After(time.Second):
		t.Fatal("GetCommand did not resume after Unblock")
	}
}

func TestCommandQueue_Rejected(t *testing.T) {
	q := newTestQueue()
	q.Block()
	q.Block()

	err := q.AddCommand(context.Background(), q.NewCommand("G28", 1), AddOptions{Block: false})
	assert.ErrorIs(t, err, ErrCommandRejected)

	err = q.AddCommand(context.Background(), q.NewCommand("G28", 1), AddOptions{Block: true, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrCommandRejected)

	_, err = q.GetCommand(context.Background(), GetOptions{Block: false})
	assert.ErrorIs(t, err, ErrCommandRejected)

	assert.Equal(t, uint64(0), q.Enqueued())
}

func TestCommandQueue_ContextCancel(t *testing.T) {
	q := newTestQueue()
	q.Block()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.AddCommand(ctx, q.NewCommand("G28", 1), AddOptions{Block: true})
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("AddCommand ignored context cancellation")
	}
}

func TestCommandQueue_BlockingGetWakesOnAdd(t *testing.T) {
	q := newTestQueue(WithDiscipline(FIFO))

	got := make(chan Command, 1)
	go func() {
		cmd, err := q.GetCommand(context.Background(), GetOptions{Block: true, Timeout: 2 * time.Second})
		if err == nil {
			got <- cmd
		}
	}()

	time.Sleep(20 * time.Millisecond)
	fill(t, q, 1)

	select {
	case cmd := <-got:
		assert.Equal(t, 1, cmd.Line)
	case <-time.After(time.Second):
		t.Fatal("blocked GetCommand missed the add")
	}
}

func TestCommandQueue_GetTimeout(t *testing.T) {
	q := newTestQueue()

	start := time.Now()
	_, err := q.GetCommand(context.Background(), GetOptions{Block: true, Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, ErrPrimaryEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCommandQueue_Capacity(t *testing.T) {
	q := newTestQueue(WithCapacity(2))
	fill(t, q, 2)

	err := q.AddCommand(context.Background(), q.NewCommand("G1", 3), AddOptions{})
	assert.ErrorIs(t, err, ErrPrimaryFull)
	assert.ErrorIs(t, err, ErrQueueFull)

	err = q.AddCommand(context.Background(), q.NewCommand("G1", 3), AddOptions{Block: true, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrPrimaryFull)
	assert.Equal(t, 2, q.ResendLen(), "a failed add writes neither structure")
}

func TestCommandQueue_CapacityBoundsPrimaryOnly(t *testing.T) {
	q := newTestQueue(WithCapacity(2), WithDiscipline(FIFO))

	// Stream far more commands than the capacity through the primary store.
	for line := 1; line <= 10; line++ {
		cmd := q.NewCommand(fmt.Sprintf("G1 X%d", line), line)
		err := q.AddCommand(context.Background(), cmd, AddOptions{Block: true, Timeout: 200 * time.Millisecond})
		require.NoError(t, err, "line %d", line)

		got, err := q.GetCommand(context.Background(), GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, line, got.Line)
	}

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 10, q.ResendLen(), "the ledger keeps every command for replay")
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, drain(t, q, true))
}

func TestCommandQueue_BlockWhileWaitingForRoom(t *testing.T) {
	q := newTestQueue(WithCapacity(1), WithDiscipline(FIFO))
	fill(t, q, 1)

	added := make(chan error, 1)
	go func() {
		added <- q.AddCommand(context.Background(), q.NewCommand("G1", 2), AddOptions{Block: true})
	}()
	time.Sleep(20 * time.Millisecond)

	q.Block()
	q.ClearQueues()

	select {
	case err := <-added:
		t.Fatalf("add completed while the gate was closed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, q.Len())

	q.Unblock()
	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("add did not resume after Unblock")
	}
	assert.Equal(t, 1, q.Len())
}

func TestCommandQueue_BlockWhileWaitingForCommand(t *testing.T) {
	q := newTestQueue()

	got := make(chan Command, 1)
	go func() {
		cmd, err := q.GetCommand(context.Background(), GetOptions{Block: true})
		if err == nil {
			got <- cmd
		}
	}()
	time.Sleep(20 * time.Millisecond)

	q.Block()
	// Put a command in place behind the closed gate to wake the waiter.
	q.primary.mu.Lock()
	q.primary.pushLocked(q.NewCommand("M105", 1))
	q.primary.mu.Unlock()

	select {
	case cmd := <-got:
		t.Fatalf("get returned line %d while the gate was closed", cmd.Line)
	case <-time.After(50 * time.Millisecond):
	}

	q.Unblock()
	select {
	case cmd := <-got:
		assert.Equal(t, 1, cmd.Line)
	case <-time.After(time.Second):
		t.Fatal("get did not resume after Unblock")
	}
}

func TestCommandQueue_BlockingAddWaitsForRoom(t *testing.T) {
	q := newTestQueue(WithCapacity(1), WithDiscipline(FIFO))
	fill(t, q, 1)

	added := make(chan error, 1)
	go func() {
		added <- q.AddCommand(context.Background(), q.NewCommand("G1", 2), AddOptions{Block: true})
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.GetCommand(context.Background(), GetOptions{})
	require.NoError(t, err)

	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked add did not proceed once room was made")
	}
}

func TestCommandQueue_ResendFlag(t *testing.T) {
	q := newTestQueue()
	assert.False(t, q.Resend())
	q.SetResend(true)
	assert.True(t, q.Resend())
	q.SetResend(false)
	assert.False(t, q.Resend())
}

func TestCommandQueue_ConcurrentProducers(t *testing.T) {
	q := newTestQueue(WithDiscipline(FIFO))

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				cmd := q.NewCommand("M105", p*100+i)
				assert.NoError(t, q.AddCommand(context.Background(), cmd, AddOptions{Block: true}))
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, uint64(200), q.Enqueued())
	assert.Len(t, drain(t, q, false), 200)
	assert.Len(t, drain(t, q, true), 200)
}

func TestCommandQueue_Metrics(t *testing.T) {
	reg := metrics.New()
	q := newTestQueue(WithMetrics(reg))
	fill(t, q, 3)
	q.Block()

	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["platen_queue_depth"])
	assert.True(t, names["platen_commands_enqueued_total"])
	assert.True(t, names["platen_queue_blocked"])
}

func TestParseDiscipline(t *testing.T) {
	tests := []struct {
		in   string
		want Discipline
		ok   bool
	}{
		{"fifo", FIFO, true},
		{"FIFO", FIFO, true},
		{"lifo", LIFO, true},
		{"", LIFO, true},
		{"random", LIFO, false},
	}
	for _, tt := range tests {
		got, ok := ParseDiscipline(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseDiscipline(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
	if LIFO.String() != "lifo" {
		t.Errorf("LIFO.String() = %q", LIFO.String())
	}
}
