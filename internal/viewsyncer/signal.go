package viewsyncer

import (
	"context"
	"sync"
)

// SignalStream is the run loop's input: a cancelable stream of
// replica-ready signals. Signals carry no payload — the loop always reads
// the pipeline's actual delta via Driver.Advance once woken.
type SignalStream interface {
	// Recv blocks until a signal arrives, returning true, or the stream is
	// canceled or ctx is done, returning false.
	Recv(ctx context.Context) bool
	// Cancel stops the stream; any blocked or future Recv returns false.
	Cancel()
}

// ChanSignal is a simple channel-backed SignalStream: an external replica
// watcher calls Notify whenever a new delta is ready. Redundant notifies
// while one is already pending are coalesced.
type ChanSignal struct {
	ch         chan struct{}
	done       chan struct{}
	cancelOnce sync.Once
}

// NewChanSignal builds an uncanceled ChanSignal.
func NewChanSignal() *ChanSignal {
	return &ChanSignal{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Notify wakes the run loop. Non-blocking: if a signal is already pending,
// this is a no-op.
func (s *ChanSignal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Recv implements SignalStream.
func (s *ChanSignal) Recv(ctx context.Context) bool {
	select {
	case <-s.ch:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Cancel implements SignalStream. Safe to call more than once.
func (s *ChanSignal) Cancel() {
	s.cancelOnce.Do(func() { close(s.done) })
}
