// Package eventsource defines the port through which the bridge reads live topics
// from the upstream event log.
package eventsource

import (
	"context"

	"github.com/Strob0t/LiveAuction/internal/domain/stream"
)

// StartPolicy selects where a new subscription starts reading.
type StartPolicy int

const (
	// StartLatest starts at the log's current tail. Records appended before
	// Subscribe returns are never delivered.
	StartLatest StartPolicy = iota
)

func (p StartPolicy) String() string {
	if p == StartLatest {
		return "latest"
	}
	return "unknown"
}

// Source opens independent live subscriptions on named topics.
// Implementations must be safe for concurrent Subscribe and Cancel calls.
type Source interface {
	// Subscribe opens a cursor on topic. Unknown topics fail with
	// domain.ErrUnknownTopic and unreachable upstreams with domain.ErrUpstreamUnavailable.
	Subscribe(ctx context.Context, topic stream.Topic, policy StartPolicy) (Subscription, error)
}

// Subscription is one live cursor. Records arrive in upstream order.
type Subscription interface {
	// Records is closed after Cancel or when the upstream ends the subscription.
	Records() <-chan stream.RawRecord

	// Cancel stops upstream consumption and releases its resources before
	// returning. Calling it more than once is a no-op.
	Cancel()
}
