package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	laotel "github.com/Strob0t/LiveAuction/internal/adapter/otel"
	"github.com/Strob0t/LiveAuction/internal/domain/stream"
)

type stubConn struct {
	writeErr error
	pingErr  error
	block    bool

	mu     sync.Mutex
	writes [][]byte
	closes []CloseReason
}

func (c *stubConn) Write(ctx context.Context, frame []byte) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.mu.Lock()
	c.writes = append(c.writes, frame)
	c.mu.Unlock()
	return nil
}

func (c *stubConn) Read(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *stubConn) Ping(context.Context) error { return c.pingErr }

func (c *stubConn) Close(reason CloseReason, _ string) error {
	c.mu.Lock()
	c.closes = append(c.closes, reason)
	c.mu.Unlock()
	return nil
}

func (c *stubConn) RemoteAddr() string { return "test" }

func (c *stubConn) written() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func testMetrics(t *testing.T) *laotel.Metrics {
	t.Helper()
	m, err := laotel.NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testSession(t *testing.T, conn Conn, cfg SessionConfig) *Session {
	t.Helper()
	return newSession("s1", stream.RecentBids(), conn, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), testMetrics(t))
}

func runAsync(ctx context.Context, s *Session) <-chan CloseReason {
	ch := make(chan CloseReason, 1)
	go func() { ch <- s.Run(ctx) }()
	return ch
}

func awaitReason(t *testing.T, ch <-chan CloseReason) CloseReason {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return ReasonNone
	}
}

func TestSessionCloseBeforeRun(t *testing.T) {
	conn := &stubConn{}
	s := testSession(t, conn, SessionConfig{SendBuffer: 4, WriteTimeout: time.Second})
	detached := 0
	s.onFinish = func(*Session) { detached++ }

	s.Close(ReasonSetupFailed)
	s.Close(ReasonShutdown)

	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	if s.Reason() != ReasonSetupFailed {
		t.Errorf("reason = %s, first reason should win", s.Reason())
	}
	if len(conn.closes) != 1 || detached != 1 {
		t.Errorf("closes = %v, detached = %d", conn.closes, detached)
	}
	// Run on a closed session returns at once.
	if r := s.Run(context.Background()); r != ReasonSetupFailed {
		t.Errorf("Run = %s", r)
	}
}

func TestSessionDeliversInOrder(t *testing.T) {
	conn := &stubConn{}
	s := testSession(t, conn, SessionConfig{SendBuffer: 8, WriteTimeout: time.Second})
	done := runAsync(context.Background(), s)

	for _, f := range []string{"a", "b", "c"} {
		s.Deliver([]byte(f))
	}
	deadline := time.Now().Add(3 * time.Second)
	for conn.written() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Close(ReasonClientClosed)
	awaitReason(t, done)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.writes) != 3 {
		t.Fatalf("writes = %d", len(conn.writes))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(conn.writes[i]) != want {
			t.Errorf("write %d = %q, want %q", i, conn.writes[i], want)
		}
	}
}

func TestSessionWriteTimeoutIsTransportError(t *testing.T) {
	conn := &stubConn{block: true}
	s := testSession(t, conn, SessionConfig{SendBuffer: 8, WriteTimeout: 20 * time.Millisecond})
	done := runAsync(context.Background(), s)
	s.Deliver([]byte("x"))

	if r := awaitReason(t, done); r != ReasonTransportError {
		t.Errorf("reason = %s, want transport_error", r)
	}
}

func TestSessionWriteFailure(t *testing.T) {
	conn := &stubConn{writeErr: errors.New("broken pipe")}
	s := testSession(t, conn, SessionConfig{SendBuffer: 8, WriteTimeout: time.Second})
	done := runAsync(context.Background(), s)
	s.Deliver([]byte("x"))

	if r := awaitReason(t, done); r != ReasonTransportError {
		t.Errorf("reason = %s, want transport_error", r)
	}
}

func TestSessionPingFailure(t *testing.T) {
	conn := &stubConn{pingErr: errors.New("no pong")}
	s := testSession(t, conn, SessionConfig{SendBuffer: 8, WriteTimeout: time.Second, PingInterval: 10 * time.Millisecond})
	if r := awaitReason(t, runAsync(context.Background(), s)); r != ReasonTransportError {
		t.Errorf("reason = %s, want transport_error", r)
	}
}

func TestSessionSlowConsumer(t *testing.T) {
	conn := &stubConn{block: true}
	s := testSession(t, conn, SessionConfig{SendBuffer: 1, WriteTimeout: time.Minute})
	done := runAsync(context.Background(), s)
	for i := 0; i < 3; i++ {
		s.Deliver([]byte("x"))
	}
	if r := awaitReason(t, done); r != ReasonSlowConsumer {
		t.Errorf("reason = %s, want slow_consumer", r)
	}
	// Late deliveries are dropped quietly.
	s.Deliver([]byte("late"))
}

func TestSessionParentCancelIsShutdown(t *testing.T) {
	conn := &stubConn{}
	s := testSession(t, conn, SessionConfig{SendBuffer: 1, WriteTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	cancel()
	if r := awaitReason(t, done); r != ReasonShutdown {
		t.Errorf("reason = %s, want shutdown", r)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Run returned")
	}
}

func TestCloseReasonStrings(t *testing.T) {
	seen := map[string]bool{}
	for r := ReasonNone; r <= ReasonInternal; r++ {
		s := r.String()
		if seen[s] {
			t.Errorf("duplicate reason string %q", s)
		}
		seen[s] = true
	}
	if StateStreaming.String() != "streaming" {
		t.Errorf("state string = %q", StateStreaming.String())
	}
}

func TestSessionShutdownFlushesQueued(t *testing.T) {
	conn := &stubConn{}
	s := testSession(t, conn, SessionConfig{SendBuffer: 8, WriteTimeout: time.Second})
	for _, f := range []string{"a", "b", "c"} {
		s.Deliver([]byte(f))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if r := awaitReason(t, runAsync(ctx, s)); r != ReasonShutdown {
		t.Fatalf("reason = %s, want shutdown", r)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.writes) != 3 {
		t.Fatalf("writes = %d, want all 3 queued frames flushed", len(conn.writes))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(conn.writes[i]) != want {
			t.Errorf("write %d = %q, want %q", i, conn.writes[i], want)
		}
	}
	if len(conn.closes) != 1 || conn.closes[0] != ReasonShutdown {
		t.Errorf("closes = %v", conn.closes)
	}
}

func TestSessionShutdownFlushIsBounded(t *testing.T) {
	conn := &stubConn{block: true}
	s := testSession(t, conn, SessionConfig{SendBuffer: 8, WriteTimeout: 20 * time.Millisecond})
	s.Deliver([]byte("stuck"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if r := awaitReason(t, runAsync(ctx, s)); r != ReasonShutdown {
		t.Errorf("reason = %s, want shutdown", r)
	}
}

func TestSessionConcurrentCloseTriggers(t *testing.T) {
	for i := 0; i < 20; i++ {
		conn := &stubConn{}
		s := testSession(t, conn, SessionConfig{SendBuffer: 1, WriteTimeout: time.Second})
		var detached atomic.Int32
		s.onFinish = func(*Session) { detached.Add(1) }
		ctx, cancel := context.WithCancel(context.Background())
		done := runAsync(ctx, s)

		var wg sync.WaitGroup
		for _, r := range []CloseReason{ReasonClientClosed, ReasonUpstreamClosed, ReasonTransportError} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Close(r)
			}()
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel()
		}()
		go func() {
			defer wg.Done()
			s.Deliver([]byte("x"))
			s.Deliver([]byte("y"))
		}()
		wg.Wait()

		reason := awaitReason(t, done)
		<-s.Done()
		if s.State() != StateClosed {
			t.Fatalf("state = %s", s.State())
		}
		conn.mu.Lock()
		closes := append([]CloseReason(nil), conn.closes...)
		conn.mu.Unlock()
		if len(closes) != 1 || closes[0] != reason {
			t.Fatalf("closes = %v, reason = %s", closes, reason)
		}
		if n := detached.Load(); n != 1 {
			t.Fatalf("detached %d times", n)
		}
	}
}
