// Package memory implements the event source port with an in-process log.
// It backs the "memory" source driver and the test suites.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/LiveAuction/internal/domain"
	"github.com/Strob0t/LiveAuction/internal/domain/stream"
	"github.com/Strob0t/LiveAuction/internal/port/eventsource"
)

const defaultBuffer = 64

// Log is an append-only in-process topic log. Subscriptions start at the tail.
type Log struct {
	appendMu sync.Mutex // serialises Append so every subscriber sees one order

	mu          sync.Mutex
	subs        map[stream.Topic]map[*eventsource.ChanSubscription]struct{}
	offsets     map[stream.Topic]int64
	unavailable bool
	buffer      int
	now         func() time.Time
}

// New creates an empty log. buffer is the per-subscription records buffer;
// zero selects a default.
func New(buffer int) *Log {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Log{
		subs:    make(map[stream.Topic]map[*eventsource.ChanSubscription]struct{}),
		offsets: make(map[stream.Topic]int64),
		buffer:  buffer,
		now:     time.Now,
	}
}

// Subscribe implements eventsource.Source.
func (l *Log) Subscribe(_ context.Context, topic stream.Topic, _ eventsource.StartPolicy) (eventsource.Subscription, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("memory subscribe %q: %w", topic, domain.ErrUnknownTopic)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return nil, fmt.Errorf("memory subscribe %q: %w", topic, domain.ErrUpstreamUnavailable)
	}

	var sub *eventsource.ChanSubscription
	sub = eventsource.NewChanSubscription(l.buffer, func() { l.remove(topic, sub) })
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[*eventsource.ChanSubscription]struct{})
	}
	l.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (l *Log) remove(topic stream.Topic, sub *eventsource.ChanSubscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs[topic], sub)
	if len(l.subs[topic]) == 0 {
		delete(l.subs, topic)
	}
}

// Append adds data to topic and pushes it to every live subscription.
// It blocks while a subscriber's buffer is full, like a broker applying flow control.
func (l *Log) Append(ctx context.Context, topic stream.Topic, data []byte) error {
	if !topic.Valid() {
		return fmt.Errorf("memory append %q: %w", topic, domain.ErrUnknownTopic)
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.Lock()
	l.offsets[topic]++
	rec := stream.RawRecord{Topic: topic, Data: data, ReceivedAt: l.now()}
	targets := make([]*eventsource.ChanSubscription, 0, len(l.subs[topic]))
	for s := range l.subs[topic] {
		targets = append(targets, s)
	}
	l.mu.Unlock()

	for _, s := range targets {
		s.Push(ctx, rec)
	}
	return ctx.Err()
}

// Len returns how many records were ever appended to topic.
func (l *Log) Len(topic stream.Topic) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offsets[topic]
}

// ActiveSubscriptions returns the number of live subscriptions across all topics.
func (l *Log) ActiveSubscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, subs := range l.subs {
		n += len(subs)
	}
	return n
}

// SetUnavailable makes subsequent Subscribe calls fail as if the upstream were down.
func (l *Log) SetUnavailable(down bool) {
	l.mu.Lock()
	l.unavailable = down
	l.mu.Unlock()
}

// Terminate ends every subscription on topic, as an upstream restart would.
func (l *Log) Terminate(topic stream.Topic) {
	l.mu.Lock()
	subs := l.subs[topic]
	delete(l.subs, topic)
	l.mu.Unlock()
	for s := range subs {
		s.End()
	}
}
