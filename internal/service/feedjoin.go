package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/LiveAuction/internal/codec"
	"github.com/Strob0t/LiveAuction/internal/domain/auction"
	"github.com/Strob0t/LiveAuction/internal/domain/stream"
	"github.com/Strob0t/LiveAuction/internal/port/cache"
	"github.com/Strob0t/LiveAuction/internal/port/eventsource"
)

const (
	joinBuffer       = 64
	titleLookupLimit = 3 * time.Second
)

// TitleStore resolves auction titles from the authoritative store.
type TitleStore interface {
	AuctionTitle(ctx context.Context, auctionID string) (string, error)
}

// FeedJoiner derives the recent-bids feed from the bids topic when the
// upstream does not publish a joined feed. Every other topic passes through.
type FeedJoiner struct {
	src    eventsource.Source
	titles TitleStore
	cache  cache.Cache
	ttl    time.Duration
	log    *slog.Logger
	group  singleflight.Group
}

// NewFeedJoiner wraps src. Titles are read through c for ttl.
func NewFeedJoiner(src eventsource.Source, titles TitleStore, c cache.Cache, ttl time.Duration, log *slog.Logger) *FeedJoiner {
	return &FeedJoiner{src: src, titles: titles, cache: c, ttl: ttl, log: log}
}

// Subscribe implements eventsource.Source.
func (j *FeedJoiner) Subscribe(ctx context.Context, topic stream.Topic, policy eventsource.StartPolicy) (eventsource.Subscription, error) {
	if topic != stream.TopicFeed {
		return j.src.Subscribe(ctx, topic, policy)
	}
	bids, err := j.src.Subscribe(ctx, stream.TopicBids, policy)
	if err != nil {
		return nil, fmt.Errorf("feed join: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	out := eventsource.NewChanSubscription(joinBuffer, func() {
		cancel()
		bids.Cancel()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for rec := range bids.Records() {
			data, err := j.join(runCtx, rec)
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				j.log.Warn("feed join dropped bid", "error", err)
				continue
			}
			if !out.Push(runCtx, stream.RawRecord{Topic: stream.TopicFeed, Data: data, ReceivedAt: rec.ReceivedAt}) {
				return
			}
		}
		if runCtx.Err() == nil {
			out.End()
		}
	}()
	return out, nil
}

func (j *FeedJoiner) join(ctx context.Context, rec stream.RawRecord) ([]byte, error) {
	row, err := stream.DecodeRow(rec.Data)
	if err != nil {
		return nil, err
	}
	bid, err := stream.ParseBid(row)
	if err != nil {
		return nil, err
	}
	title, err := j.Title(ctx, bid.AuctionID)
	if err != nil {
		return nil, err
	}
	return codec.Encode(auction.FeedEvent{
		Title:     title,
		Username:  bid.Username,
		BidAmount: bid.BidAmount,
		Timestamp: bid.Timestamp,
	})
}

// Title returns the title of auctionID. Concurrent misses for the same
// auction share one store lookup, which outlives any single caller's ctx and
// is bounded by titleLookupLimit instead.
func (j *FeedJoiner) Title(ctx context.Context, auctionID string) (string, error) {
	lookupCtx := context.WithoutCancel(ctx)
	ch := j.group.DoChan(auctionID, func() (any, error) {
		lctx, cancel := context.WithTimeout(lookupCtx, titleLookupLimit)
		defer cancel()
		return cache.ReadThrough(lctx, j.cache, "title:"+auctionID, j.ttl, func(ctx context.Context, _ string) ([]byte, error) {
			title, err := j.titles.AuctionTitle(ctx, auctionID)
			if err != nil {
				return nil, err
			}
			return []byte(title), nil
		})
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("title for auction %s: %w", auctionID, res.Err)
		}
		return string(res.Val.([]byte)), nil
	case <-ctx.Done():
		return "", fmt.Errorf("title for auction %s: %w", auctionID, ctx.Err())
	}
}
