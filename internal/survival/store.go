// Package survival hands live objects across an in-place rebuild.
//
// A store lives outside the object graph being rebuilt. Preserve is called just before
// teardown, Advance between teardown and rebuild, Restore once by the rebuilt owner. A slot
// written in an older generation than current-1 is never returned as current.
package survival

import (
	"strings"
	"sync"

	"github.com/danmuck/hostbridge/internal/logging"
)

type slot[T any] struct {
	value      T
	generation uint64
}

// Store holds named single-use slots guarded by a reload generation counter.
type Store[T any] struct {
	mu         sync.Mutex
	generation uint64
	slots      map[string]slot[T]
}

func NewStore[T any]() *Store[T] {
	return &Store[T]{slots: make(map[string]slot[T])}
}

// Generation returns the current reload generation.
func (s *Store[T]) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Preserve writes v into the named slot tagged with the current generation, replacing any
// earlier value.
func (s *Store[T]) Preserve(name string, v T) uint64 {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[name] = slot[T]{value: v, generation: s.generation}
	logging.Debugf("survival.Store.Preserve slot=%q generation=%d", name, s.generation)
	return s.generation
}

// Advance starts the next reload generation and returns it.
func (s *Store[T]) Advance() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	return s.generation
}

// Restore returns and clears the named slot when it was written in the current or the
// immediately prior generation. Stale slots are cleared and reported as absent; use Take
// when a stale value still needs releasing.
func (s *Store[T]) Restore(name string) (T, bool) {
	v, fresh, ok := s.Take(name)
	if !ok || !fresh {
		var zero T
		return zero, false
	}
	return v, true
}

// Take returns and clears the named slot whatever its generation. fresh is false for a slot
// older than the prior generation; such a value must not be used as current, only released.
func (s *Store[T]) Take(name string) (v T, fresh bool, ok bool) {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[name]
	if !ok {
		return v, false, false
	}
	delete(s.slots, name)
	if sl.generation != s.generation && sl.generation+1 != s.generation {
		logging.Warnf(
			"survival.Store.Take stale slot=%q slot_generation=%d generation=%d",
			name,
			sl.generation,
			s.generation,
		)
		return sl.value, false, true
	}
	return sl.value, true, true
}

// Pending lists slot names that have not been restored yet.
func (s *Store[T]) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.slots))
	for name := range s.slots {
		out = append(out, name)
	}
	return out
}

// Discard drops the named slot without returning it.
func (s *Store[T]) Discard(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, strings.TrimSpace(name))
}
