package queue

import (
	"sync"
)

// store is one independently locked sequence of commands.
//
// Waiters take the changed channel under the lock and block on it; every
// mutation closes it and installs a fresh one.
type store struct {
	mu       sync.Mutex
	items    []Command
	lifo     bool
	capacity int
	changed  chan struct{}
}

func newStore(lifo bool, capacity int) *store {
	return &store{
		lifo:     lifo,
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// signalLocked wakes everyone waiting on the store. Callers hold s.mu.
func (s *store) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *store) hasRoomLocked() bool {
	return s.capacity <= 0 || len(s.items) < s.capacity
}

func (s *store) pushLocked(cmd Command) {
	s.items = append(s.items, cmd)
	s.signalLocked()
}

// popLocked removes the next command in store order. Callers hold s.mu.
func (s *store) popLocked() (Command, bool) {
	if len(s.items) == 0 {
		return Command{}, false
	}

	var cmd Command
	if s.lifo {
		last := len(s.items) - 1
		cmd = s.items[last]
		s.items[last] = Command{}
		s.items = s.items[:last]
	} else {
		cmd = s.items[0]
		s.items[0] = Command{}
		s.items = s.items[1:]
	}
	s.signalLocked()
	return cmd, true
}

func (s *store) clearLocked() {
	s.items = nil
	s.signalLocked()
}

func (s *store) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *store) snapshot() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.items))
	copy(out, s.items)
	return out
}
