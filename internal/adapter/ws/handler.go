// Package ws implements the WebSocket transport for streaming sessions.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/LiveAuction/internal/domain/stream"
	"github.com/Strob0t/LiveAuction/internal/logger"
	"github.com/Strob0t/LiveAuction/internal/service"
)

const defaultCloseGrace = 2 * time.Second

// Streamer runs one session over an accepted connection.
type Streamer interface {
	Serve(ctx context.Context, conn service.Conn, p stream.Projection) service.CloseReason
}

// Options configures the upgrade.
type Options struct {
	OriginPatterns []string      // Allowed cross-origin hosts; empty means same-origin only
	ReadLimit      int64         // Max inbound frame size; 0 keeps the library default
	CloseGrace     time.Duration // Max time spent on the close handshake
}

// Handler upgrades HTTP requests and hands the connection to a Streamer.
type Handler struct {
	streamer Streamer
	opts     Options
}

// NewHandler creates a Handler.
func NewHandler(s Streamer, opts Options) *Handler {
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}
	return &Handler{streamer: s, opts: opts}
}

// AuctionBids streams bids for the auction in the {auctionID} path parameter.
func (h *Handler) AuctionBids(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "auctionID")
	if id == "" {
		http.Error(w, "auction id is required", http.StatusBadRequest)
		return
	}
	h.Stream(w, r, stream.BidsForAuction(id))
}

// AuctionOverview streams changes to all existing auctions.
func (h *Handler) AuctionOverview(w http.ResponseWriter, r *http.Request) {
	h.Stream(w, r, stream.AuctionOverview())
}

// RecentBids streams the global recent-bids feed.
func (h *Handler) RecentBids(w http.ResponseWriter, r *http.Request) {
	h.Stream(w, r, stream.RecentBids())
}

// AuctionChat streams chat messages for the auction in the {auctionID} path parameter.
func (h *Handler) AuctionChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "auctionID")
	if id == "" {
		http.Error(w, "auction id is required", http.StatusBadRequest)
		return
	}
	h.Stream(w, r, stream.ChatForAuction(id))
}

// Stream upgrades the request and blocks until the session for p ends.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request, p stream.Projection) {
	log := logger.FromContext(r.Context())
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the error response.
		log.Warn("websocket accept failed", "projection", p.Name, "remote", r.RemoteAddr, "error", err)
		return
	}
	if h.opts.ReadLimit > 0 {
		c.SetReadLimit(h.opts.ReadLimit)
	}

	reason := h.streamer.Serve(r.Context(), newConn(c, r.RemoteAddr, h.opts.CloseGrace), p)
	log.Debug("websocket released", "projection", p.Name, "reason", reason.String())
}

var _ service.Conn = (*conn)(nil)
