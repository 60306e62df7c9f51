package runtime

import (
	"sync"
)

// signal is a one-shot flag. Set closes the channel returned by Done, so
// waiters are notified without polling. Once set it never clears.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

func (s *signal) Done() <-chan struct{} {
	return s.ch
}

func (s *signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
