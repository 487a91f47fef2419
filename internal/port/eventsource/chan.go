package eventsource

import (
	"context"
	"sync"

	"github.com/Strob0t/LiveAuction/internal/domain/stream"
)

// ChanSubscription is a Subscription backed by a channel that adapters push into
// from their upstream callback. It is shared by the adapters so that the
// close/cancel handshake is implemented once.
type ChanSubscription struct {
	ch     chan stream.RawRecord
	done   chan struct{}
	stop   func()
	once   sync.Once
	mu     sync.RWMutex // held shared by Push, exclusively while closing ch
	closed bool
}

// NewChanSubscription returns a subscription with a records buffer of size buf.
// stop is called once by Cancel to release the upstream consumer; it must not
// return until no further Push calls can start.
func NewChanSubscription(buf int, stop func()) *ChanSubscription {
	return &ChanSubscription{
		ch:   make(chan stream.RawRecord, buf),
		done: make(chan struct{}),
		stop: stop,
	}
}

// Records implements Subscription.
func (s *ChanSubscription) Records() <-chan stream.RawRecord { return s.ch }

// Done is closed once the subscription was cancelled or ended.
func (s *ChanSubscription) Done() <-chan struct{} { return s.done }

// Push hands a record to the consumer, blocking while the buffer is full.
// It returns false once the subscription is cancelled or ctx is done.
func (s *ChanSubscription) Push(ctx context.Context, rec stream.RawRecord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- rec:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// End closes the records channel because the upstream terminated. Consumers see
// a closed channel without having called Cancel.
func (s *ChanSubscription) End() {
	s.once.Do(func() { close(s.done) })
	s.closeChan()
}

// Cancel implements Subscription.
func (s *ChanSubscription) Cancel() {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
	})
	if first && s.stop != nil {
		s.stop()
	}
	s.closeChan()
}

func (s *ChanSubscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
