package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/LiveAuction/internal/domain"
	"github.com/Strob0t/LiveAuction/internal/domain/stream"
	"github.com/Strob0t/LiveAuction/internal/port/eventsource"
)

const listenBuffer = 256

// Listener implements eventsource.Source with LISTEN/NOTIFY. Producers publish
// each row as JSON with pg_notify(channel, row_to_json(NEW)::text). Every
// subscription owns a dedicated connection taken out of the pool.
type Listener struct {
	pool     *pgxpool.Pool
	channels map[stream.Topic]string
}

// NewListener creates a Listener mapping topics to notification channels.
func NewListener(pool *pgxpool.Pool, channels map[string]string) *Listener {
	m := make(map[stream.Topic]string, len(channels))
	for t, ch := range channels {
		m[stream.Topic(t)] = ch
	}
	return &Listener{pool: pool, channels: m}
}

// Subscribe implements eventsource.Source. LISTEN only sees notifications sent
// after it commits, which gives start-at-tail semantics for free.
func (l *Listener) Subscribe(ctx context.Context, topic stream.Topic, _ eventsource.StartPolicy) (eventsource.Subscription, error) {
	channel, ok := l.channels[topic]
	if !ok {
		return nil, fmt.Errorf("postgres listen %q: %w", topic, domain.ErrUnknownTopic)
	}

	pc, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres acquire: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	if _, err := pc.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		pc.Release()
		return nil, fmt.Errorf("postgres listen %s: %w: %w", channel, domain.ErrUpstreamUnavailable, err)
	}
	conn := pc.Hijack()

	waitCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	sub := eventsource.NewChanSubscription(listenBuffer, func() {
		cancel()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = conn.Close(closeCtx)
		}()
		for {
			n, err := conn.WaitForNotification(waitCtx)
			if err != nil {
				if !errors.Is(waitCtx.Err(), context.Canceled) {
					slog.Warn("postgres listen ended", "channel", channel, "error", err)
					sub.End()
				}
				return
			}
			sub.Push(waitCtx, stream.RawRecord{
				Topic:      topic,
				Data:       []byte(n.Payload),
				ReceivedAt: time.Now(),
			})
		}
	}()

	slog.Debug("postgres subscription opened", "topic", topic, "channel", channel)
	return sub, nil
}
