package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	laotel "github.com/Strob0t/LiveAuction/internal/adapter/otel"
	"github.com/Strob0t/LiveAuction/internal/domain"
	"github.com/Strob0t/LiveAuction/internal/domain/stream"
	"github.com/Strob0t/LiveAuction/internal/logger"
	"github.com/Strob0t/LiveAuction/internal/port/eventsource"
	"github.com/Strob0t/LiveAuction/internal/resilience"
)

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Session SessionConfig
	Shared  bool
}

// BridgeOption customises a Bridge.
type BridgeOption func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = l }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *laotel.Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

// WithBreaker guards upstream subscribe calls with br. While it is open new
// sessions are refused as upstream-unavailable without touching the source.
func WithBreaker(br *resilience.Breaker) BridgeOption {
	return func(b *Bridge) { b.breaker = br }
}

// Bridge accepts client connections and streams projections of the upstream
// event log to them until they close or the bridge shuts down.
type Bridge struct {
	cfg     BridgeConfig
	log     *slog.Logger
	metrics *laotel.Metrics
	breaker *resilience.Breaker
	reg     *Registry

	ctx    context.Context // parent of every running session
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewBridge creates a bridge reading from src.
func NewBridge(src eventsource.Source, cfg BridgeConfig, opts ...BridgeOption) (*Bridge, error) {
	if cfg.Session.SendBuffer < 1 {
		return nil, fmt.Errorf("bridge: send buffer must be >= 1, got %d", cfg.Session.SendBuffer)
	}
	if cfg.Session.WriteTimeout <= 0 {
		return nil, fmt.Errorf("bridge: write timeout must be > 0, got %s", cfg.Session.WriteTimeout)
	}
	b := &Bridge{
		cfg:      cfg,
		log:      slog.Default(),
		sessions: make(map[*Session]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		m, err := laotel.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("bridge metrics: %w", err)
		}
		b.metrics = m
	}
	if b.breaker != nil {
		src = &guardedSource{src: src, breaker: b.breaker}
	}
	b.reg = NewRegistry(src, cfg.Shared, b.log, b.metrics)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// Serve runs one client session for projection p over conn and blocks until
// it closes. ctx bounds only the setup phase; once streaming, the session ends
// on client close, transport failure, upstream termination or Shutdown.
func (b *Bridge) Serve(ctx context.Context, conn Conn, p stream.Projection) CloseReason {
	id := uuid.NewString()
	s := newSession(id, p, conn, b.cfg.Session,
		logger.ForSession(b.log, id, p.Name, conn.RemoteAddr()), b.metrics)
	s.onFinish = func(s *Session) {
		b.reg.Detach(s)
		b.untrack(s)
	}

	if !b.track(s) {
		s.Close(ReasonShutdown)
		return s.Reason()
	}

	if err := b.reg.Attach(ctx, s); err != nil {
		reason := setupReason(err)
		s.log.Warn("session setup failed", "error", err, "reason", reason.String())
		s.Close(reason)
		return s.Reason()
	}

	// Registered under mu so Shutdown's Wait never races a late Go.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.Close(ReasonShutdown)
		return s.Reason()
	}
	b.wg.Go(func() {
		var pc panics.Catcher
		pc.Try(func() { s.Run(b.ctx) })
		if r := pc.Recovered(); r != nil {
			s.log.Error("session panicked", "error", r.AsError())
			s.Close(ReasonInternal)
			s.finish()
		}
	})
	b.mu.Unlock()
	<-s.Done()
	return s.Reason()
}

// Shutdown stops accepting sessions, closes every open one with ReasonShutdown
// and waits for them to finish or ctx to expire.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	open := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		open = append(open, s)
	}
	b.mu.Unlock()

	b.log.Info("bridge shutting down", "sessions", len(open))
	for _, s := range open {
		s.Close(ReasonShutdown)
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.log.Info("bridge stopped")
		return nil
	case <-ctx.Done():
		b.log.Warn("bridge shutdown timed out", "sessions", b.ActiveSessions())
		return ctx.Err()
	}
}

// ActiveSessions returns how many sessions are open.
func (b *Bridge) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Stats reports the fan-out state.
func (b *Bridge) Stats() Stats { return b.reg.Stats() }

// BreakerState reports the upstream breaker position, or "disabled".
func (b *Bridge) BreakerState() string {
	if b.breaker == nil {
		return "disabled"
	}
	return b.breaker.State().String()
}

func (b *Bridge) track(s *Session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.sessions[s] = struct{}{}
	return true
}

func (b *Bridge) untrack(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}

func setupReason(err error) CloseReason {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, domain.ErrUpstreamUnavailable):
		return ReasonUpstreamUnavailable
	case errors.Is(err, domain.ErrBridgeClosed):
		return ReasonShutdown
	case errors.Is(err, context.Canceled):
		return ReasonClientClosed
	default:
		return ReasonSetupFailed
	}
}

// guardedSource routes Subscribe through a circuit breaker.
type guardedSource struct {
	src     eventsource.Source
	breaker *resilience.Breaker
}

func (g *guardedSource) Subscribe(ctx context.Context, topic stream.Topic, policy eventsource.StartPolicy) (eventsource.Subscription, error) {
	var sub eventsource.Subscription
	err := g.breaker.Execute(func() error {
		var err error
		sub, err = g.src.Subscribe(ctx, topic, policy)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("subscribe %q: %w: %w", topic, domain.ErrUpstreamUnavailable, err)
	}
	return sub, err
}

// UpstreamFailure is the breaker failure predicate for upstream subscribes:
// only unavailability counts, not bad topics or cancelled setups.
func UpstreamFailure(err error) bool {
	return errors.Is(err, domain.ErrUpstreamUnavailable)
}
