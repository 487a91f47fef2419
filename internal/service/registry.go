package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	laotel "github.com/Strob0t/LiveAuction/internal/adapter/otel"
	"github.com/Strob0t/LiveAuction/internal/codec"
	"github.com/Strob0t/LiveAuction/internal/domain"
	"github.com/Strob0t/LiveAuction/internal/domain/stream"
	"github.com/Strob0t/LiveAuction/internal/port/eventsource"
)

// subscribeTimeout bounds opening an upstream subscription. The attempt is
// shared by every joiner of a feed, so no single caller's context governs it.
const subscribeTimeout = 15 * time.Second

// Registry multiplexes upstream subscriptions onto sessions. Sessions whose
// projections read the same filtered view share one feed: one upstream
// subscription, one pump goroutine, one encode per record.
type Registry struct {
	src     eventsource.Source
	shared  bool
	log     *slog.Logger
	metrics *laotel.Metrics

	mu        sync.Mutex
	feeds     map[string]*feed
	bySession map[*Session]*feed
}

type feed struct {
	key   string
	proj  stream.Projection
	since time.Time

	ready   chan struct{} // closed once sub or err is set
	started bool          // ready has been closed; guarded by Registry.mu
	err     error
	sub     eventsource.Subscription
	closed  bool // removed from the registry; guarded by Registry.mu

	sessions map[*Session]time.Time // session -> attach time

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewRegistry creates a registry reading from src. With shared false every
// session gets its own upstream subscription.
func NewRegistry(src eventsource.Source, shared bool, log *slog.Logger, m *laotel.Metrics) *Registry {
	return &Registry{
		src:       src,
		shared:    shared,
		log:       log,
		metrics:   m,
		feeds:     make(map[string]*feed),
		bySession: make(map[*Session]*feed),
	}
}

func (r *Registry) keyFor(s *Session) string {
	p := s.Projection()
	key := p.Name + "|" + p.Key()
	if !r.shared {
		key += "|" + s.ID()
	}
	return key
}

// Attach joins s to the feed for its projection, opening the upstream
// subscription when s is the first session on it. Concurrent joiners wait for
// the opening attempt instead of subscribing twice; if it fails every waiter
// gets the error.
func (r *Registry) Attach(ctx context.Context, s *Session) error {
	key := r.keyFor(s)

	r.mu.Lock()
	f, ok := r.feeds[key]
	if !ok {
		f = &feed{
			key:      key,
			proj:     s.Projection(),
			since:    time.Now(),
			ready:    make(chan struct{}),
			sessions: make(map[*Session]time.Time),
		}
		r.feeds[key] = f
	}
	f.sessions[s] = time.Now()
	r.bySession[s] = f
	r.mu.Unlock()

	if !ok {
		go r.open(context.WithoutCancel(ctx), f)
	}

	select {
	case <-f.ready:
	case <-ctx.Done():
		r.Detach(s)
		return ctx.Err()
	case <-s.Done():
		// Closed while the subscription was opening; finish already detached it.
		return domain.ErrBridgeClosed
	}
	if f.err != nil {
		return f.err
	}

	r.mu.Lock()
	attached := r.bySession[s] == f
	r.mu.Unlock()
	if !attached {
		// Closed while the subscription was opening.
		return domain.ErrBridgeClosed
	}
	return nil
}

// open subscribes upstream for f and starts its pump. ctx carries trace
// context only; the attempt is bounded by subscribeTimeout.
func (r *Registry) open(ctx context.Context, f *feed) {
	topic := f.proj.Topic
	spanCtx, span := laotel.StartSubscribeSpan(ctx, string(topic))
	subCtx, cancel := context.WithTimeout(spanCtx, subscribeTimeout)
	sub, err := r.src.Subscribe(subCtx, topic, eventsource.StartLatest)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	r.mu.Lock()
	f.started = true
	if err != nil {
		f.err = err
		f.closed = true
		if r.feeds[f.key] == f {
			delete(r.feeds, f.key)
		}
		for s := range f.sessions {
			delete(r.bySession, s)
		}
		f.sessions = nil
		r.mu.Unlock()
		close(f.ready)
		r.log.Warn("upstream subscribe failed", "topic", topic, "feed", f.key, "error", err)
		return
	}
	f.sub = sub
	empty := len(f.sessions) == 0
	if empty {
		f.closed = true
		if r.feeds[f.key] == f {
			delete(r.feeds, f.key)
		}
	}
	r.mu.Unlock()
	close(f.ready)

	r.metrics.UpstreamActive.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", string(topic))))
	if empty {
		// Everyone left while we were subscribing.
		r.cancel(f)
		return
	}
	r.log.Info("upstream subscription opened", "topic", topic, "feed", f.key)
	go r.pump(f)
}

func (r *Registry) cancel(f *feed) {
	f.sub.Cancel()
	r.metrics.UpstreamActive.Add(context.Background(), -1,
		metric.WithAttributes(attribute.String("topic", string(f.proj.Topic))))
	r.log.Info("upstream subscription cancelled", "topic", f.proj.Topic, "feed", f.key)
}

// Detach removes s from its feed. The last session out cancels the upstream
// subscription before Detach returns. Detaching twice is a no-op.
func (r *Registry) Detach(s *Session) {
	r.mu.Lock()
	f, ok := r.bySession[s]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySession, s)
	delete(f.sessions, s)
	last := len(f.sessions) == 0 && f.started && !f.closed
	if last {
		f.closed = true
		if r.feeds[f.key] == f {
			delete(r.feeds, f.key)
		}
	}
	r.mu.Unlock()

	if last {
		r.cancel(f)
	}
}

// pump reads f's subscription until it closes. Each record is projected and
// encoded once, then handed to every session attached no later than the record's arrival.
func (r *Registry) pump(f *feed) {
	topic := string(f.proj.Topic)
	dropAttrs := func(reason string) metric.MeasurementOption {
		return metric.WithAttributes(attribute.String("topic", topic), attribute.String("reason", reason))
	}
	var targets []*Session

	for rec := range f.sub.Records() {
		msg, ok, err := f.proj.Apply(rec)
		if err != nil {
			f.dropped.Add(1)
			r.metrics.RecordsDropped.Add(context.Background(), 1, dropAttrs("malformed"))
			r.log.Warn("dropping malformed record", "topic", topic, "feed", f.key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		frame, err := codec.Encode(msg)
		if err != nil {
			f.dropped.Add(1)
			r.metrics.RecordsDropped.Add(context.Background(), 1, dropAttrs("encode"))
			r.log.Warn("dropping unencodable record", "topic", topic, "feed", f.key, "error", err)
			continue
		}

		targets = r.snapshot(f, rec.ReceivedAt, targets[:0])
		for _, s := range targets {
			s.Deliver(frame)
		}
		f.delivered.Add(1)
		r.log.Debug("record delivered", "feed", f.key, "sessions", len(targets))
	}

	// A channel closed without Cancel means the upstream ended the subscription.
	r.mu.Lock()
	if f.closed {
		r.mu.Unlock()
		return
	}
	f.closed = true
	if r.feeds[f.key] == f {
		delete(r.feeds, f.key)
	}
	orphans := make([]*Session, 0, len(f.sessions))
	for s := range f.sessions {
		delete(r.bySession, s)
		orphans = append(orphans, s)
	}
	f.sessions = nil
	r.mu.Unlock()

	f.sub.Cancel()
	r.metrics.UpstreamActive.Add(context.Background(), -1, metric.WithAttributes(attribute.String("topic", topic)))
	r.log.Warn("upstream subscription ended", "topic", topic, "feed", f.key, "sessions", len(orphans))
	for _, s := range orphans {
		s.Close(ReasonUpstreamClosed)
	}
}

func (r *Registry) snapshot(f *feed, at time.Time, buf []*Session) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s, attachedAt := range f.sessions {
		if at.IsZero() || !attachedAt.After(at) {
			buf = append(buf, s)
		}
	}
	return buf
}

// FeedStats describes one feed in Stats.
type FeedStats struct {
	Key       string    `json:"key"`
	Topic     string    `json:"topic"`
	Filter    string    `json:"filter"`
	Sessions  int       `json:"sessions"`
	Delivered int64     `json:"delivered"`
	Dropped   int64     `json:"dropped"`
	Since     time.Time `json:"since"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Feeds    int         `json:"feeds"`
	Sessions int         `json:"sessions"`
	PerFeed  []FeedStats `json:"per_feed"`
}

// Stats reports feeds with an open upstream subscription and the sessions on them.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{PerFeed: make([]FeedStats, 0, len(r.feeds))}
	for _, f := range r.feeds {
		if !f.started {
			continue
		}
		st.Feeds++
		st.Sessions += len(f.sessions)
		st.PerFeed = append(st.PerFeed, FeedStats{
			Key:       f.key,
			Topic:     string(f.proj.Topic),
			Filter:    f.proj.Filter.Signature(),
			Sessions:  len(f.sessions),
			Delivered: f.delivered.Load(),
			Dropped:   f.dropped.Load(),
			Since:     f.since,
		})
	}
	sort.Slice(st.PerFeed, func(i, j int) bool { return st.PerFeed[i].Key < st.PerFeed[j].Key })
	return st
}
