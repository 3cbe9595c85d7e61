package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all bus metrics instruments.
type Metrics struct {
	Published           metric.Int64Counter
	Claimed             metric.Int64Counter
	ClaimEmpty          metric.Int64Counter
	Acked               metric.Int64Counter
	Nacked              metric.Int64Counter
	Expired             metric.Int64Counter
	AckLatency          metric.Float64Histogram
	ActiveSubscriptions metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Published, err = meter.Int64Counter("tablebus.messages.published",
		metric.WithDescription("Messages published to the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.Claimed, err = meter.Int64Counter("tablebus.messages.claimed",
		metric.WithDescription("Messages claimed under a lease"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimEmpty, err = meter.Int64Counter("tablebus.claims.empty",
		metric.WithDescription("Claim attempts that found no work"),
	)
	if err != nil {
		return nil, err
	}

	m.Acked, err = meter.Int64Counter("tablebus.messages.acked",
		metric.WithDescription("Messages acknowledged as done"),
	)
	if err != nil {
		return nil, err
	}

	m.Nacked, err = meter.Int64Counter("tablebus.messages.nacked",
		metric.WithDescription("Messages returned to the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.Expired, err = meter.Int64Counter("tablebus.messages.expired",
		metric.WithDescription("Messages expired by lease or TTL timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.AckLatency, err = meter.Float64Histogram("tablebus.ack.latency",
		metric.WithDescription("Reported processing latency at ack time in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSubscriptions, err = meter.Int64UpDownCounter("tablebus.subscriptions.active",
		metric.WithDescription("Number of currently active polling subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
