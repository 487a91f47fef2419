package service_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/LiveAuction/internal/adapter/memory"
	"github.com/Strob0t/LiveAuction/internal/domain/stream"
	"github.com/Strob0t/LiveAuction/internal/port/eventsource"
	"github.com/Strob0t/LiveAuction/internal/resilience"
	"github.com/Strob0t/LiveAuction/internal/service"
)

const waitLimit = 3 * time.Second

// fakeConn records frames and the close handshake of one client.
type fakeConn struct {
	frames  chan []byte
	readErr chan error
	stall   bool // Write blocks until its context ends

	mu       sync.Mutex
	closes   int
	reason   service.CloseReason
	closedCh chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:   make(chan []byte, 256),
		readErr:  make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeConn) Write(ctx context.Context, frame []byte) error {
	if c.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case c.frames <- append([]byte(nil), frame...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Read(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-c.readErr:
		return err
	}
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(reason service.CloseReason, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		c.reason = reason
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "192.0.2.1:5000" }

func (c *fakeConn) closeReason() (service.CloseReason, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.closes
}

// next returns the next frame or fails the test.
func (c *fakeConn) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-c.frames:
		return string(f)
	case <-time.After(waitLimit):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSessionConfig() service.SessionConfig {
	return service.SessionConfig{SendBuffer: 16, WriteTimeout: time.Second}
}

func newTestBridge(t *testing.T, src eventsource.Source, shared bool, opts ...service.BridgeOption) *service.Bridge {
	t.Helper()
	opts = append([]service.BridgeOption{service.WithLogger(discardLogger())}, opts...)
	b, err := service.NewBridge(src, service.BridgeConfig{Session: testSessionConfig(), Shared: shared}, opts...)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

type served struct {
	conn   *fakeConn
	reason chan service.CloseReason
}

func serve(b *service.Bridge, p stream.Projection) served {
	return serveCtx(context.Background(), b, p)
}

func serveCtx(ctx context.Context, b *service.Bridge, p stream.Projection) served {
	s := served{conn: newFakeConn(), reason: make(chan service.CloseReason, 1)}
	go func() { s.reason <- b.Serve(ctx, s.conn, p) }()
	return s
}

// gatedSource holds every Subscribe until release is closed or the call's ctx ends.
type gatedSource struct {
	log     *memory.Log
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func newGatedSource(log *memory.Log) *gatedSource {
	return &gatedSource{log: log, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSource) Subscribe(ctx context.Context, topic stream.Topic, policy eventsource.StartPolicy) (eventsource.Subscription, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.log.Subscribe(ctx, topic, policy)
}

func (g *gatedSource) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(waitLimit):
		t.Fatal("subscribe never called")
	}
}

func (s served) wait(t *testing.T) service.CloseReason {
	t.Helper()
	select {
	case r := <-s.reason:
		return r
	case <-time.After(waitLimit):
		t.Fatal("timed out waiting for Serve to return")
		return service.ReasonNone
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitSessions(t *testing.T, b *service.Bridge, n int) {
	t.Helper()
	waitFor(t, "attached sessions", func() bool { return b.Stats().Sessions == n })
}

func appendRecord(t *testing.T, log *memory.Log, topic stream.Topic, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
	defer cancel()
	if err := log.Append(ctx, topic, []byte(data)); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func bid(auctionID, user, amount string) string {
	return `{"auction_id":"` + auctionID + `","username":"` + user + `","bid_amount":` + amount +
		`,"timestamp":"2024-03-01T12:00:00Z"}`
}

func TestBridge_BidsFilteredByAuction(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)
	s := serve(b, stream.BidsForAuction("A1"))
	waitSessions(t, b, 1)

	appendRecord(t, log, stream.TopicBids, bid("A1", "alice", "10"))
	appendRecord(t, log, stream.TopicBids, bid("A2", "bob", "50"))
	appendRecord(t, log, stream.TopicBids, bid("A1", "carol", "15"))

	if got, want := s.conn.next(t), `{"username":"alice","bid_amount":10,"timestamp":"2024-03-01T12:00:00Z"}`; got != want {
		t.Errorf("first frame\n got %s\nwant %s", got, want)
	}
	if got, want := s.conn.next(t), `{"username":"carol","bid_amount":15,"timestamp":"2024-03-01T12:00:00Z"}`; got != want {
		t.Errorf("second frame\n got %s\nwant %s", got, want)
	}
	s.conn.expectNone(t)
}

func TestBridge_OverviewSkipsTombstones(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)
	s := serve(b, stream.AuctionOverview())
	waitSessions(t, b, 1)

	row := func(id string, existing bool) string {
		e := "false"
		if existing {
			e = "true"
		}
		return `{"auction_id":"` + id + `","title":"Lamp","number_of_bids":0,"starting_price":5,"current_price":5,` +
			`"created_at":"2024-03-01T10:00:00Z","is_open":true,"is_existing":` + e + `}`
	}
	appendRecord(t, log, stream.TopicAuctions, row("A1", false))
	appendRecord(t, log, stream.TopicAuctions, row("A2", true))

	got := s.conn.next(t)
	if !strings.Contains(got, `"auction_id":"A2"`) {
		t.Errorf("expected A2 overview, got %s", got)
	}
	if strings.Contains(got, "is_existing") {
		t.Errorf("tombstone flag leaked: %s", got)
	}
	s.conn.expectNone(t)
}

func TestBridge_MalformedRecordSkipped(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)
	s := serve(b, stream.BidsForAuction("A1"))
	waitSessions(t, b, 1)

	appendRecord(t, log, stream.TopicBids, `not json`)
	appendRecord(t, log, stream.TopicBids, `{"auction_id":"A1","username":"x"}`)
	appendRecord(t, log, stream.TopicBids, bid("A1", "alice", "11"))

	if got := s.conn.next(t); !strings.Contains(got, `"alice"`) {
		t.Fatalf("got %s", got)
	}
	waitFor(t, "dropped count", func() bool {
		st := b.Stats()
		return len(st.PerFeed) == 1 && st.PerFeed[0].Dropped == 2
	})
}

func TestBridge_ClientCloseReleasesUpstream(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)
	s := serve(b, stream.BidsForAuction("A1"))
	waitSessions(t, b, 1)
	if n := log.ActiveSubscriptions(); n != 1 {
		t.Fatalf("active subscriptions = %d, want 1", n)
	}

	s.conn.readErr <- service.ErrPeerClosed
	if r := s.wait(t); r != service.ReasonClientClosed {
		t.Errorf("reason = %s, want client_closed", r)
	}
	if n := log.ActiveSubscriptions(); n != 0 {
		t.Errorf("active subscriptions after close = %d, want 0", n)
	}
	if got, n := s.conn.closeReason(); got != service.ReasonClientClosed || n != 1 {
		t.Errorf("conn closed %d times with %s", n, got)
	}
	if b.ActiveSessions() != 0 {
		t.Errorf("active sessions = %d", b.ActiveSessions())
	}
}

func TestBridge_TransportErrorReleasesUpstream(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)
	s := serve(b, stream.RecentBids())
	waitSessions(t, b, 1)

	s.conn.readErr <- io.ErrUnexpectedEOF
	if r := s.wait(t); r != service.ReasonTransportError {
		t.Errorf("reason = %s, want transport_error", r)
	}
	if n := log.ActiveSubscriptions(); n != 0 {
		t.Errorf("active subscriptions = %d, want 0", n)
	}
}

func TestBridge_SharedSubscription(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)
	s1 := serve(b, stream.BidsForAuction("A1"))
	s2 := serve(b, stream.BidsForAuction("A1"))
	other := serve(b, stream.BidsForAuction("A2"))
	waitSessions(t, b, 3)

	if n := log.ActiveSubscriptions(); n != 2 {
		t.Fatalf("active subscriptions = %d, want 2", n)
	}
	st := b.Stats()
	if st.Feeds != 2 {
		t.Errorf("feeds = %d, want 2", st.Feeds)
	}

	appendRecord(t, log, stream.TopicBids, bid("A1", "alice", "10"))
	for _, s := range []served{s1, s2} {
		if got := s.conn.next(t); !strings.Contains(got, `"alice"`) {
			t.Errorf("got %s", got)
		}
	}
	other.conn.expectNone(t)

	// One leaving keeps the shared subscription open for the other.
	s1.conn.readErr <- service.ErrPeerClosed
	s1.wait(t)
	if n := log.ActiveSubscriptions(); n != 2 {
		t.Errorf("active subscriptions = %d, want 2", n)
	}
	appendRecord(t, log, stream.TopicBids, bid("A1", "bob", "12"))
	if got := s2.conn.next(t); !strings.Contains(got, `"bob"`) {
		t.Errorf("got %s", got)
	}
}

func TestBridge_UnsharedSubscriptions(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, false)
	serve(b, stream.BidsForAuction("A1"))
	serve(b, stream.BidsForAuction("A1"))
	waitSessions(t, b, 2)

	if n := log.ActiveSubscriptions(); n != 2 {
		t.Errorf("active subscriptions = %d, want 2", n)
	}
}

func TestBridge_ResubscribesAfterLastLeaves(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)

	first := serve(b, stream.BidsForAuction("A1"))
	waitSessions(t, b, 1)
	first.conn.readErr <- service.ErrPeerClosed
	first.wait(t)
	if n := log.ActiveSubscriptions(); n != 0 {
		t.Fatalf("active subscriptions = %d, want 0", n)
	}

	second := serve(b, stream.BidsForAuction("A1"))
	waitSessions(t, b, 1)
	appendRecord(t, log, stream.TopicBids, bid("A1", "dave", "20"))
	if got := second.conn.next(t); !strings.Contains(got, `"dave"`) {
		t.Errorf("got %s", got)
	}
}

func TestBridge_NoBackfill(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)
	early := serve(b, stream.BidsForAuction("A1"))
	waitSessions(t, b, 1)
	appendRecord(t, log, stream.TopicBids, bid("A1", "before", "1"))
	early.conn.next(t)

	late := serve(b, stream.BidsForAuction("A1"))
	waitSessions(t, b, 2)
	appendRecord(t, log, stream.TopicBids, bid("A1", "after", "2"))

	if got := late.conn.next(t); !strings.Contains(got, `"after"`) {
		t.Errorf("late joiner got %s, want only records after it joined", got)
	}
	late.conn.expectNone(t)
}

func TestBridge_SlowConsumerIsolated(t *testing.T) {
	log := memory.New(0)
	b, err := service.NewBridge(log, service.BridgeConfig{
		Session: service.SessionConfig{SendBuffer: 1, WriteTimeout: 10 * time.Second},
		Shared:  true,
	}, service.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Shutdown(context.Background()) }()

	slow := served{conn: newFakeConn(), reason: make(chan service.CloseReason, 1)}
	slow.conn.stall = true
	go func() { slow.reason <- b.Serve(context.Background(), slow.conn, stream.BidsForAuction("A1")) }()
	fast := served{conn: newFakeConn(), reason: make(chan service.CloseReason, 1)}
	go func() { fast.reason <- b.Serve(context.Background(), fast.conn, stream.BidsForAuction("A1")) }()
	waitSessions(t, b, 2)

	const n = 6
	for i := 0; i < n; i++ {
		appendRecord(t, log, stream.TopicBids, bid("A1", "u", "1"))
	}
	if r := slow.wait(t); r != service.ReasonSlowConsumer {
		t.Errorf("slow reason = %s, want slow_consumer", r)
	}
	for i := 0; i < n; i++ {
		fast.conn.next(t)
	}
	if st := b.Stats(); st.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", st.Sessions)
	}
}

func TestBridge_UpstreamTermination(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)
	s := serve(b, stream.BidsForAuction("A1"))
	waitSessions(t, b, 1)

	log.Terminate(stream.TopicBids)
	if r := s.wait(t); r != service.ReasonUpstreamClosed {
		t.Errorf("reason = %s, want upstream_closed", r)
	}
	if got, _ := s.conn.closeReason(); got != service.ReasonUpstreamClosed {
		t.Errorf("conn close reason = %s", got)
	}
	if st := b.Stats(); st.Feeds != 0 || st.Sessions != 0 {
		t.Errorf("stats after termination = %+v", st)
	}
}

func TestBridge_SetupFailures(t *testing.T) {
	tests := []struct {
		name string
		proj stream.Projection
		down bool
		want service.CloseReason
	}{
		{"upstream unavailable", stream.BidsForAuction("A1"), true, service.ReasonUpstreamUnavailable},
		{"unknown topic", stream.Projection{Name: "x", Topic: "payments", Filter: stream.NoFilter()}, false, service.ReasonSetupFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := memory.New(0)
			log.SetUnavailable(tt.down)
			b := newTestBridge(t, log, true)
			s := serve(b, tt.proj)
			if r := s.wait(t); r != tt.want {
				t.Errorf("reason = %s, want %s", r, tt.want)
			}
			if got, n := s.conn.closeReason(); got != tt.want || n != 1 {
				t.Errorf("conn closed %d times with %s", n, got)
			}
			if st := b.Stats(); st.Feeds != 0 || st.Sessions != 0 {
				t.Errorf("stats = %+v", st)
			}
		})
	}
}

func TestBridge_BreakerRejectsWhileOpen(t *testing.T) {
	log := memory.New(0)
	log.SetUnavailable(true)
	br := resilience.NewBreaker(1, time.Hour, resilience.WithFailurePredicate(service.UpstreamFailure))
	b := newTestBridge(t, log, true, service.WithBreaker(br))

	if r := serve(b, stream.RecentBids()).wait(t); r != service.ReasonUpstreamUnavailable {
		t.Fatalf("reason = %s", r)
	}
	if got := b.BreakerState(); got != "open" {
		t.Fatalf("breaker = %s, want open", got)
	}

	log.SetUnavailable(false)
	if r := serve(b, stream.RecentBids()).wait(t); r != service.ReasonUpstreamUnavailable {
		t.Errorf("reason while open = %s", r)
	}
	if n := log.ActiveSubscriptions(); n != 0 {
		t.Errorf("open breaker reached the source: %d subscriptions", n)
	}
}

func TestBridge_UnknownTopicDoesNotTripBreaker(t *testing.T) {
	log := memory.New(0)
	br := resilience.NewBreaker(1, time.Hour, resilience.WithFailurePredicate(service.UpstreamFailure))
	b := newTestBridge(t, log, true, service.WithBreaker(br))

	serve(b, stream.Projection{Name: "x", Topic: "payments", Filter: stream.NoFilter()}).wait(t)
	if got := b.BreakerState(); got != "closed" {
		t.Errorf("breaker = %s, want closed", got)
	}
}

func TestBridge_Shutdown(t *testing.T) {
	log := memory.New(0)
	b, err := service.NewBridge(log, service.BridgeConfig{Session: testSessionConfig(), Shared: true},
		service.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	s1 := serve(b, stream.BidsForAuction("A1"))
	s2 := serve(b, stream.AuctionOverview())
	waitSessions(t, b, 2)

	ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, s := range []served{s1, s2} {
		if r := s.wait(t); r != service.ReasonShutdown {
			t.Errorf("reason = %s, want shutdown", r)
		}
	}
	if n := log.ActiveSubscriptions(); n != 0 {
		t.Errorf("active subscriptions = %d, want 0", n)
	}

	if r := serve(b, stream.RecentBids()).wait(t); r != service.ReasonShutdown {
		t.Errorf("session after shutdown = %s, want shutdown", r)
	}
}

func TestNewBridge_RejectsBadConfig(t *testing.T) {
	log := memory.New(0)
	if _, err := service.NewBridge(log, service.BridgeConfig{Session: service.SessionConfig{WriteTimeout: time.Second}}); err == nil {
		t.Error("expected error for zero send buffer")
	}
	if _, err := service.NewBridge(log, service.BridgeConfig{Session: service.SessionConfig{SendBuffer: 1}}); err == nil {
		t.Error("expected error for zero write timeout")
	}
}

func TestBridge_SetupSurvivesCancelledJoiner(t *testing.T) {
	log := memory.New(0)
	src := newGatedSource(log)
	b := newTestBridge(t, src, true)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := serveCtx(firstCtx, b, stream.BidsForAuction("A1"))
	src.waitEntered(t)
	second := serve(b, stream.BidsForAuction("A1"))
	waitFor(t, "both sessions tracked", func() bool { return b.ActiveSessions() == 2 })

	cancelFirst()
	if r := first.wait(t); r != service.ReasonClientClosed {
		t.Errorf("cancelled joiner reason = %s, want client_closed", r)
	}

	close(src.release)
	waitSessions(t, b, 1)
	appendRecord(t, log, stream.TopicBids, bid("A1", "alice", "10"))
	if got := second.conn.next(t); !strings.Contains(got, `"alice"`) {
		t.Errorf("got %s", got)
	}
	if _, n := second.conn.closeReason(); n != 0 {
		t.Errorf("healthy joiner was closed")
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("subscribe calls = %d, want 1", n)
	}
}

func TestBridge_ConcurrentJoinersShareOpeningFeed(t *testing.T) {
	log := memory.New(0)
	src := newGatedSource(log)
	b := newTestBridge(t, src, true)

	const n = 5
	sessions := make([]served, n)
	for i := range sessions {
		sessions[i] = serve(b, stream.BidsForAuction("A1"))
	}
	src.waitEntered(t)
	waitFor(t, "sessions tracked", func() bool { return b.ActiveSessions() == n })

	close(src.release)
	waitSessions(t, b, n)
	if c := src.calls.Load(); c != 1 {
		t.Errorf("subscribe calls = %d, want 1", c)
	}
	if a := log.ActiveSubscriptions(); a != 1 {
		t.Errorf("active subscriptions = %d, want 1", a)
	}

	appendRecord(t, log, stream.TopicBids, bid("A1", "alice", "10"))
	for _, s := range sessions {
		if got := s.conn.next(t); !strings.Contains(got, `"alice"`) {
			t.Errorf("got %s", got)
		}
	}
}

func TestBridge_NoLeakAcrossCycles(t *testing.T) {
	log := memory.New(0)
	b := newTestBridge(t, log, true)
	projections := []stream.Projection{
		stream.BidsForAuction("A1"),
		stream.AuctionOverview(),
		stream.RecentBids(),
		stream.ChatForAuction("A1"),
	}

	for i := 0; i < 50; i++ {
		s := serve(b, projections[i%len(projections)])
		waitSessions(t, b, 1)

		want := service.ReasonClientClosed
		if i%2 == 1 {
			want = service.ReasonTransportError
			s.conn.readErr <- io.ErrUnexpectedEOF
		} else {
			s.conn.readErr <- service.ErrPeerClosed
		}
		if r := s.wait(t); r != want {
			t.Fatalf("cycle %d: reason = %s, want %s", i, r, want)
		}
		if a := log.ActiveSubscriptions(); a != 0 {
			t.Fatalf("cycle %d: active subscriptions = %d, want 0", i, a)
		}
	}

	if a := b.ActiveSessions(); a != 0 {
		t.Errorf("active sessions = %d, want 0", a)
	}
	if st := b.Stats(); st.Feeds != 0 || st.Sessions != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestBridge_RacingCloseTriggers(t *testing.T) {
	for i := 0; i < 10; i++ {
		log := memory.New(0)
		b := newTestBridge(t, log, true)
		s := serve(b, stream.BidsForAuction("A1"))
		waitSessions(t, b, 1)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			s.conn.readErr <- service.ErrPeerClosed
		}()
		go func() {
			defer wg.Done()
			log.Terminate(stream.TopicBids)
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
			defer cancel()
			_ = b.Shutdown(ctx)
		}()
		wg.Wait()

		r := s.wait(t)
		if got, n := s.conn.closeReason(); n != 1 || got != r {
			t.Fatalf("iteration %d: conn closed %d times with %s, Serve returned %s", i, n, got, r)
		}
		if a := b.ActiveSessions(); a != 0 {
			t.Fatalf("iteration %d: active sessions = %d", i, a)
		}
		waitFor(t, "upstream released", func() bool { return log.ActiveSubscriptions() == 0 })
	}
}

func TestBridge_ServeRacingShutdown(t *testing.T) {
	log := memory.New(0)
	b, err := service.NewBridge(log, service.BridgeConfig{Session: testSessionConfig(), Shared: true},
		service.WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	sessions := make([]served, n)
	for i := range sessions {
		sessions[i] = serve(b, stream.BidsForAuction("A1"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitLimit)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for i, s := range sessions {
		s.wait(t)
		if _, c := s.conn.closeReason(); c != 1 {
			t.Errorf("session %d closed %d times", i, c)
		}
	}
	if a := b.ActiveSessions(); a != 0 {
		t.Errorf("active sessions = %d", a)
	}
	// A feed still opening when its last session left is cancelled once the subscribe returns.
	waitFor(t, "upstream released", func() bool { return log.ActiveSubscriptions() == 0 })
}
