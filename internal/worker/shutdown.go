package worker

import (
	"sync"
	"sync/atomic"
)

// ShutdownSignal is a one-way flag shared by the signal handler, the HTTP
// shutdown endpoint and the main loop. Done is closed on the first Request.
type ShutdownSignal struct {
	requested atomic.Bool
	once      sync.Once
	done      chan struct{}
}

// NewShutdownSignal returns an unset signal.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{done: make(chan struct{})}
}

// Request sets the flag. It reports whether this call was the first.
func (s *ShutdownSignal) Request() bool {
	first := false
	s.once.Do(func() {
		s.requested.Store(true)
		close(s.done)
		first = true
	})
	return first
}

// Requested reports whether shutdown has been requested.
func (s *ShutdownSignal) Requested() bool {
	return s.requested.Load()
}

// Done is closed once shutdown has been requested.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.done
}
