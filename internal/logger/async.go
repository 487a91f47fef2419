package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncCore is shared by an AsyncHandler and every handler derived from it.
type asyncCore struct {
	ch      chan asyncEntry
	done    chan struct{}
	once    sync.Once
	closing sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

type asyncEntry struct {
	h   slog.Handler
	rec slog.Record
}

// AsyncHandler hands records to a single writer goroutine so that logging on the
// delivery path never blocks on stdout. Records keep their emission order and are
// dropped, not queued, once the buffer is full.
type AsyncHandler struct {
	inner slog.Handler
	core  *asyncCore
}

// NewAsyncHandler creates an AsyncHandler buffering up to size records.
func NewAsyncHandler(inner slog.Handler, size int) *AsyncHandler {
	c := &asyncCore{
		ch:   make(chan asyncEntry, size),
		done: make(chan struct{}),
	}
	go c.run()
	return &AsyncHandler{inner: inner, core: c}
}

func (c *asyncCore) run() {
	defer close(c.done)
	for e := range c.ch {
		_ = e.h.Handle(context.Background(), e.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops if the buffer is full or the handler is closed.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.core.closing.RLock()
	defer h.core.closing.RUnlock()
	if h.core.closed {
		h.core.dropped.Add(1)
		return nil
	}
	select {
	case h.core.ch <- asyncEntry{h: h.inner, rec: rec.Clone()}:
	default:
		h.core.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler writing through the same queue.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), core: h.core}
}

// WithGroup returns a handler writing through the same queue.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), core: h.core}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.core.dropped.Load()
}

// Close stops accepting records and waits until the queue is written out.
// It is safe to call more than once.
func (h *AsyncHandler) Close() {
	h.core.once.Do(func() {
		h.core.closing.Lock()
		h.core.closed = true
		close(h.core.ch)
		h.core.closing.Unlock()
	})
	<-h.core.done
}
