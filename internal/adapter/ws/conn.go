package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/LiveAuction/internal/service"
)

// conn adapts a WebSocket connection to service.Conn.
//
// coder/websocket closes the connection when a Read context is cancelled, so
// a single reader goroutine owns Read for the whole connection lifetime and
// Conn.Read waits on its results instead.
type conn struct {
	ws     *websocket.Conn
	remote string
	grace  time.Duration

	reads  chan error
	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(ws *websocket.Conn, remote string, grace time.Duration) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		remote: remote,
		grace:  grace,
		reads:  make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	for {
		_, _, err := c.ws.Read(c.ctx)
		select {
		case c.reads <- err:
		case <-c.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Write implements service.Conn.
func (c *conn) Write(ctx context.Context, frame []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

// Read implements service.Conn.
func (c *conn) Read(ctx context.Context) error {
	select {
	case err := <-c.reads:
		if err == nil {
			return nil
		}
		if websocket.CloseStatus(err) != -1 {
			return fmt.Errorf("%w: %w", service.ErrPeerClosed, err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping implements service.Conn. The reader goroutine consumes the pong.
func (c *conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close implements service.Conn. The handshake is bounded by the grace period;
// transport failures skip it.
func (c *conn) Close(reason service.CloseReason, text string) error {
	defer c.cancel()
	if reason == service.ReasonTransportError {
		return c.ws.CloseNow()
	}
	done := make(chan error, 1)
	go func() { done <- c.ws.Close(StatusFor(reason), text) }()
	select {
	case err := <-done:
		return err
	case <-time.After(c.grace):
		return c.ws.CloseNow()
	}
}

// RemoteAddr implements service.Conn.
func (c *conn) RemoteAddr() string { return c.remote }

// StatusFor maps a close reason to the WebSocket close status sent to the client.
func StatusFor(reason service.CloseReason) websocket.StatusCode {
	switch reason {
	case service.ReasonNone, service.ReasonClientClosed:
		return websocket.StatusNormalClosure
	case service.ReasonShutdown:
		return websocket.StatusGoingAway
	case service.ReasonSlowConsumer:
		return websocket.StatusPolicyViolation
	case service.ReasonUpstreamUnavailable:
		return websocket.StatusTryAgainLater
	case service.ReasonTransportError:
		return websocket.StatusAbnormalClosure
	default:
		return websocket.StatusInternalError
	}
}
