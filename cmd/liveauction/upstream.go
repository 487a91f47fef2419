package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	lahttp "github.com/Strob0t/LiveAuction/internal/adapter/http"
	"github.com/Strob0t/LiveAuction/internal/adapter/memory"
	lanats "github.com/Strob0t/LiveAuction/internal/adapter/nats"
	"github.com/Strob0t/LiveAuction/internal/adapter/natskv"
	"github.com/Strob0t/LiveAuction/internal/adapter/postgres"
	"github.com/Strob0t/LiveAuction/internal/adapter/ristretto"
	"github.com/Strob0t/LiveAuction/internal/adapter/tiered"
	"github.com/Strob0t/LiveAuction/internal/config"
	"github.com/Strob0t/LiveAuction/internal/port/cache"
	"github.com/Strob0t/LiveAuction/internal/port/eventsource"
	"github.com/Strob0t/LiveAuction/internal/service"
)

// upstream is the event source selected by configuration plus what it takes
// to probe and release it.
type upstream struct {
	source  eventsource.Source
	checks  []lahttp.HealthCheck
	closers []func()
}

func (u *upstream) close() {
	for i := len(u.closers) - 1; i >= 0; i-- {
		u.closers[i]()
	}
}

func openUpstream(ctx context.Context, cfg *config.Config, log *slog.Logger) (*upstream, error) {
	u := &upstream{}
	var (
		natsSrc *lanats.Source
		pool    *pgxpool.Pool
		err     error
	)

	openPool := func() (*pgxpool.Pool, error) {
		if pool != nil {
			return pool, nil
		}
		p, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		pool = p
		u.closers = append(u.closers, p.Close)
		u.checks = append(u.checks, lahttp.HealthCheck{Name: "postgres", Check: p.Ping})
		slog.Info("postgres connected")
		return p, nil
	}

	switch cfg.Source.Driver {
	case "nats":
		natsSrc, err = lanats.Connect(ctx, cfg.NATS, cfg.Source.Topics)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		u.source = natsSrc
		u.closers = append(u.closers, func() {
			if err := natsSrc.Close(); err != nil {
				slog.Warn("nats close", "error", err)
			}
		})
		u.checks = append(u.checks, lahttp.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !natsSrc.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}})
		slog.Info("nats connected", "stream", cfg.NATS.Stream)
	case "postgres":
		p, err := openPool()
		if err != nil {
			u.close()
			return nil, err
		}
		u.source = postgres.NewListener(p, cfg.Source.Topics)
	case "memory":
		u.source = memory.New(cfg.Session.SendBuffer)
		slog.Warn("memory source selected: development only, no records will arrive")
	default:
		return nil, fmt.Errorf("unknown source driver %q", cfg.Source.Driver)
	}

	if cfg.Feed.Mode != "join" {
		return u, nil
	}

	p, err := openPool()
	if err != nil {
		u.close()
		return nil, err
	}
	l1, err := ristretto.New(cfg.Feed.TitleCacheMB)
	if err != nil {
		u.close()
		return nil, fmt.Errorf("title cache: %w", err)
	}
	u.closers = append(u.closers, l1.Close)

	var titles cache.Cache = l1
	if cfg.Feed.TitleBucket != "" && natsSrc != nil {
		l2, err := natskv.Open(ctx, natsSrc.JetStream(), cfg.Feed.TitleBucket, cfg.Feed.TitleTTL)
		if err != nil {
			u.close()
			return nil, fmt.Errorf("title cache: %w", err)
		}
		titles = tiered.New(l1, l2, cfg.Feed.TitleTTL)
	}

	u.source = service.NewFeedJoiner(u.source, postgres.NewTitleStore(p, cfg.Postgres.AuctionsTable),
		titles, cfg.Feed.TitleTTL, log)
	slog.Info("recent bids feed joined locally", "table", cfg.Postgres.AuctionsTable, "shared_cache", cfg.Feed.TitleBucket != "")
	return u, nil
}
