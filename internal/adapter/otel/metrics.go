package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "liveauction"

// Metrics holds all LiveAuction metric instruments.
type Metrics struct {
	SessionsActive      metric.Int64UpDownCounter
	SessionsClosed      metric.Int64Counter
	UpstreamActive      metric.Int64UpDownCounter
	FramesSent          metric.Int64Counter
	RecordsDropped      metric.Int64Counter
	SessionDuration     metric.Float64Histogram
	ConnectionsRejected metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
// Without Setup the provider is a no-op and recording costs nothing.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsActive, err = meter.Int64UpDownCounter("liveauction.sessions.active",
		metric.WithDescription("Open client sessions"))
	if err != nil {
		return nil, err
	}

	m.SessionsClosed, err = meter.Int64Counter("liveauction.sessions.closed",
		metric.WithDescription("Closed client sessions by reason"))
	if err != nil {
		return nil, err
	}

	m.UpstreamActive, err = meter.Int64UpDownCounter("liveauction.upstream.subscriptions.active",
		metric.WithDescription("Open upstream subscriptions"))
	if err != nil {
		return nil, err
	}

	m.FramesSent, err = meter.Int64Counter("liveauction.frames.sent",
		metric.WithDescription("Frames written to clients"))
	if err != nil {
		return nil, err
	}

	m.RecordsDropped, err = meter.Int64Counter("liveauction.records.dropped",
		metric.WithDescription("Upstream records dropped before delivery"))
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("liveauction.session.duration_seconds",
		metric.WithDescription("Client session lifetime in seconds"))
	if err != nil {
		return nil, err
	}

	m.ConnectionsRejected, err = meter.Int64Counter("liveauction.connections.rejected",
		metric.WithDescription("WebSocket upgrades refused by admission control"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
