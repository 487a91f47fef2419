package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	laotel "github.com/Strob0t/LiveAuction/internal/adapter/otel"
	"github.com/Strob0t/LiveAuction/internal/domain/stream"
)

// ErrPeerClosed is returned by Conn.Read when the client sent a close frame.
var ErrPeerClosed = errors.New("peer closed connection")

// Conn is the client transport a session pushes frames to.
type Conn interface {
	// Write sends one text frame. It must return once ctx is done.
	Write(ctx context.Context, frame []byte) error
	// Read blocks until the client sends a frame (nil) or the connection ends
	// (ErrPeerClosed for a clean client close, anything else for transport failure).
	Read(ctx context.Context) error
	// Ping sends a keepalive and waits for the pong.
	Ping(ctx context.Context) error
	// Close ends the connection with the handshake matching reason.
	Close(reason CloseReason, text string) error
	// RemoteAddr identifies the peer in logs.
	RemoteAddr() string
}

// SessionState is the lifecycle position of a session. It only moves forward.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CloseReason records why a session ended. The transport maps it to a close status.
type CloseReason int32

const (
	ReasonNone CloseReason = iota
	ReasonClientClosed
	ReasonShutdown
	ReasonSlowConsumer
	ReasonSetupFailed
	ReasonUpstreamUnavailable
	ReasonUpstreamClosed
	ReasonTransportError
	ReasonInternal
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClientClosed:
		return "client_closed"
	case ReasonShutdown:
		return "shutdown"
	case ReasonSlowConsumer:
		return "slow_consumer"
	case ReasonSetupFailed:
		return "setup_failed"
	case ReasonUpstreamUnavailable:
		return "upstream_unavailable"
	case ReasonUpstreamClosed:
		return "upstream_closed"
	case ReasonTransportError:
		return "transport_error"
	case ReasonInternal:
		return "internal"
	default:
		return fmt.Sprintf("reason(%d)", int32(r))
	}
}

// SessionConfig bounds the outbound path of one session.
type SessionConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Session is one client connection bound to one projection. Frames handed to
// Deliver are written in order by a single outbound loop.
type Session struct {
	id         string
	projection stream.Projection
	conn       Conn
	cfg        SessionConfig
	log        *slog.Logger
	metrics    *laotel.Metrics

	queue  chan []byte
	state  atomic.Int32
	reason atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	finishOnce sync.Once
	onFinish   func(*Session)
	done       chan struct{}
	openedAt   time.Time
}

func newSession(id string, p stream.Projection, conn Conn, cfg SessionConfig, log *slog.Logger, m *laotel.Metrics) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		projection: p,
		conn:       conn,
		cfg:        cfg,
		log:        log,
		metrics:    m,
		queue:      make(chan []byte, cfg.SendBuffer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Projection returns the projection the session streams.
func (s *Session) Projection() stream.Projection { return s.projection }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Reason returns why the session closed, or ReasonNone while it is open.
func (s *Session) Reason() CloseReason { return CloseReason(s.reason.Load()) }

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver queues a frame without blocking. Frames for a closing session are
// dropped; a full queue closes the session as a slow consumer.
func (s *Session) Deliver(frame []byte) {
	if s.State() >= StateClosing {
		return
	}
	select {
	case s.queue <- frame:
	default:
		s.log.Warn("send queue full, closing slow consumer", "buffer", cap(s.queue))
		s.beginClose(ReasonSlowConsumer)
	}
}

// Close ends the session. It is safe to call from any goroutine and more than once;
// the first reason wins. When the session is running, teardown finishes on the
// Run goroutine and Close returns without waiting for it.
func (s *Session) Close(reason CloseReason) {
	if s.beginClose(reason) == StateConnecting {
		s.finish()
	}
}

// beginClose moves the session to Closing, records reason and cancels its
// activities. It returns the state the session was in.
func (s *Session) beginClose(reason CloseReason) SessionState {
	for {
		cur := s.State()
		if cur >= StateClosing {
			return cur
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateClosing)) {
			s.reason.Store(int32(reason))
			s.cancel()
			return cur
		}
	}
}

// Run streams queued frames until the session closes and returns the close reason.
// parent cancellation closes the session with ReasonShutdown.
func (s *Session) Run(parent context.Context) CloseReason {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateStreaming)) {
		s.finish()
		return s.Reason()
	}
	s.openedAt = time.Now()
	stop := context.AfterFunc(parent, func() { s.beginClose(ReasonShutdown) })
	defer stop()

	spanCtx, span := laotel.StartSessionSpan(parent, s.id, s.projection.Name, s.conn.RemoteAddr())
	attrs := metric.WithAttributes(attribute.String("projection", s.projection.Name))
	s.metrics.SessionsActive.Add(spanCtx, 1, attrs)
	s.log.Info("session streaming", "trace_id", traceID(spanCtx))

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.outbound(gctx) })
	g.Go(func() error { return s.inbound(gctx) })
	_ = g.Wait()

	s.finish()

	reason := s.Reason()
	span.SetAttributes(attribute.String("session.close_reason", reason.String()))
	span.End()
	s.metrics.SessionsActive.Add(spanCtx, -1, attrs)
	s.metrics.SessionDuration.Record(spanCtx, time.Since(s.openedAt).Seconds(), attrs)
	return reason
}

func (s *Session) outbound(ctx context.Context) error {
	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}
	sent := metric.WithAttributes(attribute.String("projection", s.projection.Name))
	for {
		select {
		case <-ctx.Done():
			if s.Reason() == ReasonShutdown {
				s.flush()
			}
			return nil
		case frame := <-s.queue:
			if err := s.write(ctx, frame); err != nil {
				return err
			}
			s.metrics.FramesSent.Add(ctx, 1, sent)
		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.log.Info("keepalive failed", "error", err)
				s.beginClose(ReasonTransportError)
				return err
			}
		}
	}
}

// flush writes the frames still queued when the bridge shuts down. The whole
// flush is bounded by one write timeout.
func (s *Session) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	sent := metric.WithAttributes(attribute.String("projection", s.projection.Name))
	for {
		select {
		case frame := <-s.queue:
			if err := s.conn.Write(ctx, frame); err != nil {
				s.log.Debug("flush stopped", "error", err, "pending", len(s.queue))
				return
			}
			s.metrics.FramesSent.Add(ctx, 1, sent)
		default:
			return
		}
	}
}

func (s *Session) write(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	err := s.conn.Write(wctx, frame)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("write timed out", "timeout", s.cfg.WriteTimeout)
	} else {
		s.log.Info("write failed", "error", err)
	}
	s.beginClose(ReasonTransportError)
	return err
}

func (s *Session) inbound(ctx context.Context) error {
	for {
		err := s.conn.Read(ctx)
		if err == nil {
			continue // client payloads carry no meaning
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrPeerClosed) {
			s.beginClose(ReasonClientClosed)
		} else {
			s.log.Info("read failed", "error", err)
			s.beginClose(ReasonTransportError)
		}
		return err
	}
}

// finish detaches from the fan-out, sends the close handshake and marks the
// session Closed. It runs once.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.cancel()
		if s.onFinish != nil {
			s.onFinish(s)
		}
		reason := s.Reason()
		if err := s.conn.Close(reason, reason.String()); err != nil {
			s.log.Debug("close handshake failed", "error", err)
		}
		s.state.Store(int32(StateClosed))
		s.metrics.SessionsClosed.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("projection", s.projection.Name),
			attribute.String("reason", reason.String()),
		))
		s.log.Info("session closed", "reason", reason.String())
		close(s.done)
	})
}

// traceID returns the trace id of ctx for log correlation, or "".
func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
