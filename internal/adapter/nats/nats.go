// Package nats implements the event source port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/LiveAuction/internal/config"
	"github.com/Strob0t/LiveAuction/internal/domain"
	"github.com/Strob0t/LiveAuction/internal/domain/stream"
	"github.com/Strob0t/LiveAuction/internal/port/eventsource"
)

const (
	recordBuffer = 256
	stopWait     = 5 * time.Second
)

// Source implements eventsource.Source on a JetStream stream. Each topic maps
// to one subject; every subscription is an ephemeral ordered consumer that
// starts at the stream tail.
type Source struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   string
	subjects map[stream.Topic]string
}

// Connect establishes a connection to NATS, retrying with exponential backoff
// for up to cfg.ConnectTimeout, and checks that the stream exists. With
// cfg.EnsureStream the stream is created when missing.
func Connect(ctx context.Context, cfg config.NATS, topics map[string]string) (*Source, error) {
	subjects := make(map[stream.Topic]string, len(topics))
	for t, subj := range topics {
		subjects[stream.Topic(t)] = subj
	}

	nc, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		return nats.Connect(cfg.URL,
			nats.Name("liveauction"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("nats disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				slog.Info("nats reconnected", "url", c.ConnectedUrl())
			}),
		)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.ConnectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("nats connect failed, retrying", "url", cfg.URL, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w: %w", domain.ErrUpstreamUnavailable, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	s := &Source{nc: nc, js: js, stream: cfg.Stream, subjects: subjects}
	if err := s.ensureStream(ctx, cfg.EnsureStream); err != nil {
		nc.Close()
		return nil, err
	}

	slog.Info("nats connected", "url", cfg.URL, "stream", cfg.Stream)
	return s, nil
}

func (s *Source) ensureStream(ctx context.Context, create bool) error {
	_, err := s.js.Stream(ctx, s.stream)
	if err == nil {
		return nil
	}
	if !create || !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("jetstream stream %s: %w", s.stream, err)
	}
	subjects := make([]string, 0, len(s.subjects))
	for _, subj := range s.subjects {
		subjects = append(subjects, subj)
	}
	_, err = s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      s.stream,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("jetstream stream create %s: %w", s.stream, err)
	}
	slog.Info("jetstream stream created", "stream", s.stream, "subjects", subjects)
	return nil
}

// JetStream exposes the JetStream context for components sharing the connection.
func (s *Source) JetStream() jetstream.JetStream { return s.js }

// Subscribe implements eventsource.Source.
func (s *Source) Subscribe(ctx context.Context, topic stream.Topic, _ eventsource.StartPolicy) (eventsource.Subscription, error) {
	subject, ok := s.subjects[topic]
	if !ok {
		return nil, fmt.Errorf("nats subscribe %q: %w", topic, domain.ErrUnknownTopic)
	}
	if !s.nc.IsConnected() {
		return nil, fmt.Errorf("nats subscribe %q: %w", topic, domain.ErrUpstreamUnavailable)
	}

	cons, err := s.js.OrderedConsumer(ctx, s.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer %s: %w: %w", subject, domain.ErrUpstreamUnavailable, err)
	}

	var (
		sub *eventsource.ChanSubscription
		cc  jetstream.ConsumeContext
	)
	// pushCtx bounds callbacks still running after Stop.
	pushCtx, pushCancel := context.WithCancel(context.Background())
	sub = eventsource.NewChanSubscription(recordBuffer, func() {
		pushCancel()
		cc.Stop()
		select {
		case <-cc.Closed():
		case <-time.After(stopWait):
			slog.Warn("nats consumer did not stop in time", "subject", subject)
		}
	})

	cc, err = cons.Consume(func(msg jetstream.Msg) {
		sub.Push(pushCtx, stream.RawRecord{
			Topic:      topic,
			Data:       msg.Data(),
			ReceivedAt: time.Now(),
		})
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		slog.Warn("nats consume error", "subject", subject, "error", err)
	}))
	if err != nil {
		pushCancel()
		return nil, fmt.Errorf("nats consume %s: %w: %w", subject, domain.ErrUpstreamUnavailable, err)
	}

	// Consumption ending without Cancel means the upstream went away.
	go func() {
		select {
		case <-cc.Closed():
			sub.End()
		case <-sub.Done():
		}
	}()

	slog.Debug("nats subscription opened", "topic", topic, "subject", subject)
	return sub, nil
}

// Publish sends data on the subject mapped to topic.
func (s *Source) Publish(ctx context.Context, topic stream.Topic, data []byte) error {
	subject, ok := s.subjects[topic]
	if !ok {
		return fmt.Errorf("nats publish %q: %w", topic, domain.ErrUnknownTopic)
	}
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (s *Source) IsConnected() bool { return s.nc.IsConnected() }

// Close drains and shuts down the NATS connection.
func (s *Source) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
