package middleware

import (
	"net/http"

	"golang.org/x/sync/semaphore"
)

// ConnLimiter caps the number of requests in flight. Placed in front of the
// WebSocket routes it bounds live sessions, since a streaming handler holds
// its slot until the connection ends.
type ConnLimiter struct {
	sem      *semaphore.Weighted
	onReject func(r *http.Request)
}

// NewConnLimiter creates a ConnLimiter allowing at most limit concurrent
// requests. A limit below 1 disables the cap and returns nil.
func NewConnLimiter(limit int) *ConnLimiter {
	if limit < 1 {
		return nil
	}
	return &ConnLimiter{sem: semaphore.NewWeighted(int64(limit))}
}

// OnReject registers fn to run for every refused request.
func (c *ConnLimiter) OnReject(fn func(r *http.Request)) {
	if c != nil {
		c.onReject = fn
	}
}

// Handler refuses requests with 503 while every slot is taken. A nil
// ConnLimiter passes everything through.
func (c *ConnLimiter) Handler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.sem.TryAcquire(1) {
			if c.onReject != nil {
				c.onReject(r)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"too many connections"}`))
			return
		}
		defer c.sem.Release(1)
		next.ServeHTTP(w, r)
	})
}
