// Package session implements the per-node map from users to live device
// sessions, the outbound frame sinks those sessions own, and the login
// exclusion policies applied when a user connects twice.
package session

import (
	"errors"
	"sync"
)

var (
	// ErrSinkClosed is returned when enqueueing on a sink whose session has
	// ended. Producers treat it as a dropped delivery, never a failure.
	ErrSinkClosed = errors.New("session sink closed")

	// ErrSinkFull is returned when the bounded sink cannot accept another
	// frame without blocking. The frame is dropped.
	ErrSinkFull = errors.New("session sink full")
)

// defaultSinkDepth bounds how many frames may queue per session before
// producers start dropping. Slow consumers lose frames rather than stall
// the broker consumer.
const defaultSinkDepth = 256

// Sink is the outbound frame queue of one session. The owning session's
// writer goroutine is the sole consumer; any task holding a handle may
// produce. Close is idempotent and may be called by the owner or by the
// eviction path.
type Sink struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewSink creates a sink with the default depth.
func NewSink() *Sink {
	return NewSinkWithDepth(defaultSinkDepth)
}

// NewSinkWithDepth creates a sink with an explicit queue depth.
func NewSinkWithDepth(depth int) *Sink {
	if depth <= 0 {
		depth = defaultSinkDepth
	}
	return &Sink{ch: make(chan []byte, depth)}
}

// TrySend enqueues a frame without blocking. Returns ErrSinkClosed after
// Close and ErrSinkFull when the queue is at capacity.
func (s *Sink) TrySend(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- frame:
		return nil
	default:
		return ErrSinkFull
	}
}

// Frames returns the consumption side. The channel is closed when the sink
// closes; the writer loop exits by ranging over it.
func (s *Sink) Frames() <-chan []byte {
	return s.ch
}

// Close marks the sink closed and closes the frame channel. Frames already
// queued remain readable so an eviction notice enqueued just before Close
// still reaches the client.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Closed reports whether the sink has been closed.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
