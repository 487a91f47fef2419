package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/LiveAuction/internal/adapter/ws"
)

// MountRoutes registers the streaming and operational routes. admit, when
// non-nil, guards only the WebSocket upgrades.
func MountRoutes(r chi.Router, h *Handlers, s *ws.Handler, admit func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Get("/health", h.Health)
		r.Get("/stats", h.Stats)
	})

	r.Route("/ws", func(r chi.Router) {
		if admit != nil {
			r.Use(admit)
		}
		r.Get("/auctions", s.AuctionOverview)
		r.Get("/auctions/{auctionID}/bids", s.AuctionBids)
		r.Get("/auctions/{auctionID}/chat", s.AuctionChat)
		r.Get("/bids", s.RecentBids)
	})
}
