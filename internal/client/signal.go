package client

import "sync"

// Signal is a resettable broadcast flag. Raise closes the channel returned by
// Done; Reset arms a fresh channel. Goroutines holding a channel obtained
// before Reset still observe the earlier raise.
type Signal struct {
	mu     sync.Mutex
	ch     chan struct{}
	raised bool
}

// NewSignal returns a lowered signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Raise sets the flag and wakes every waiter. Raising twice is a no-op.
func (s *Signal) Raise() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raised {
		return
	}
	s.raised = true
	close(s.ch)
}

// Reset lowers the flag.
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.raised {
		return
	}
	s.raised = false
	s.ch = make(chan struct{})
}

// Raised reports whether the flag is set.
func (s *Signal) Raised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raised
}

// Done returns a channel closed on the next (or current) raise.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
