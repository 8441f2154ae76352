package state

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Reducer computes the next snapshot from the current one. It must be pure:
// the store may call it several times when concurrent updates collide.
// Returning the input pointer means "no change"; returning an error abandons
// the update.
type Reducer func(*Bridge) (*Bridge, error)

// ChangeHandler is called after every update that produced a new snapshot.
type ChangeHandler func(old, new *Bridge)

// Store owns the current snapshot. Reads are wait-free; updates use a
// compare-and-swap retry loop and never hold a lock while a reducer runs.
type Store struct {
	current atomic.Pointer[Bridge]
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[uint64]ChangeHandler
	nextID   uint64

	updates   atomic.Uint64
	conflicts atomic.Uint64
}

// NewStore creates a store holding the empty snapshot.
func NewStore(logger *slog.Logger) *Store {
	s := &Store{
		logger:   logger.With("component", "state"),
		handlers: make(map[uint64]ChangeHandler),
	}
	s.current.Store(Empty())
	return s
}

// Read returns the current snapshot.
func (s *Store) Read() *Bridge {
	return s.current.Load()
}

// Update applies r until it wins the swap. changed is false when r returned
// its input or an error.
func (s *Store) Update(r Reducer) (snapshot *Bridge, changed bool, err error) {
	for {
		cur := s.current.Load()
		next, err := r(cur)
		if err != nil {
			return cur, false, err
		}
		if next == nil || next == cur {
			return cur, false, nil
		}
		if s.current.CompareAndSwap(cur, next) {
			s.updates.Add(1)
			s.notify(cur, next)
			return next, true, nil
		}
		s.conflicts.Add(1)
	}
}

// Subscribe registers fn for change notifications. Handlers run
// synchronously on the updating goroutine and must not block.
// Returns an unsubscribe function.
func (s *Store) Subscribe(fn ChangeHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Stats returns the number of successful updates and of CAS conflicts.
func (s *Store) Stats() (updates, conflicts uint64) {
	return s.updates.Load(), s.conflicts.Load()
}

func (s *Store) notify(old, new *Bridge) {
	s.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("change handler panic", "panic", r)
				}
			}()
			h(old, new)
		}()
	}
}
