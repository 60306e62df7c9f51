package state

import (
	"sync"
)

// SharedState guards the datum shared across all objects of one operator.
// State handlers and the per-object drop path take turns through the
// embedded reader-writer lock.
type SharedState[S any] struct {
	mu    sync.RWMutex
	state S
}

// NewShared wraps an initial shared value.
func NewShared[S any](initial S) *SharedState[S] {
	return &SharedState[S]{state: initial}
}

// Lock takes exclusive access and returns the shared value. The caller must
// call Unlock when done.
func (s *SharedState[S]) Lock() *S {
	s.mu.Lock()
	return &s.state
}

// Unlock releases exclusive access.
func (s *SharedState[S]) Unlock() {
	s.mu.Unlock()
}

// Read runs fn with shared access. fn must not mutate the value.
func (s *SharedState[S]) Read(fn func(*S)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&s.state)
}

// Update runs fn with exclusive access.
func (s *SharedState[S]) Update(fn func(*S)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}
