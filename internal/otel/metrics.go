package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "pane-relay"

// Metrics holds all OTEL metric instruments for pane-relay.
// All counters are cumulative (monotonic) and safe for concurrent use.
type Metrics struct {
	// Registry counters
	Registrations metric.Int64Counter
	Heartbeats    metric.Int64Counter

	// Dispatch counters (deliveries by rule, declines by reason)
	Deliveries metric.Int64Counter
	Declines   metric.Int64Counter
	Malformed  metric.Int64Counter

	// Focus probe calls partitioned by outcome
	ProbeCalls metric.Int64Counter

	// Link reconnect attempts partitioned by role (producer, listener)
	Reconnects metric.Int64Counter
}

// NewMetrics creates all metric instruments. Returns no-op instruments
// when no MeterProvider is registered (safe to call unconditionally).
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	// --- Registry counters ---

	m.Registrations, err = meter.Int64Counter("relay.registrations",
		metric.WithDescription("Listener registrations (replaced=true when a client id re-registered)"))
	if err != nil {
		return nil, err
	}

	m.Heartbeats, err = meter.Int64Counter("relay.heartbeats",
		metric.WithDescription("Listener heartbeats (known=false when no record matched)"))
	if err != nil {
		return nil, err
	}

	// --- Dispatch counters ---

	m.Deliveries, err = meter.Int64Counter("relay.deliveries",
		metric.WithDescription("Events forwarded to a listener, partitioned by arbitration rule"))
	if err != nil {
		return nil, err
	}

	m.Declines, err = meter.Int64Counter("relay.declines",
		metric.WithDescription("Events dropped, partitioned by reason (no listeners, conflict, all stale, send failed)"))
	if err != nil {
		return nil, err
	}

	m.Malformed, err = meter.Int64Counter("relay.malformed",
		metric.WithDescription("Frames dropped because they could not be decoded or validated"))
	if err != nil {
		return nil, err
	}

	m.ProbeCalls, err = meter.Int64Counter("relay.probe",
		metric.WithDescription("Focus probe calls partitioned by outcome (identity, empty, error, timeout)"))
	if err != nil {
		return nil, err
	}

	// --- Link counters ---

	m.Reconnects, err = meter.Int64Counter("link.reconnects",
		metric.WithDescription("Scheduled reconnect attempts partitioned by link role"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRegistration records a listener registration.
func (m *Metrics) RecordRegistration(ctx context.Context, replaced bool) {
	if m == nil {
		return
	}
	m.Registrations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("replaced", replaced)))
}

// RecordHeartbeat records a listener heartbeat.
func (m *Metrics) RecordHeartbeat(ctx context.Context, known bool) {
	if m == nil {
		return
	}
	m.Heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.Bool("known", known)))
}

// RecordDelivery records a forwarded event.
func (m *Metrics) RecordDelivery(ctx context.Context, rule string) {
	if m == nil {
		return
	}
	m.Deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("arbiter.rule", rule)))
}

// RecordDecline records a dropped event.
func (m *Metrics) RecordDecline(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.Declines.Add(ctx, 1, metric.WithAttributes(attribute.String("arbiter.reason", reason)))
}

// RecordMalformed records a dropped frame on the given endpoint.
func (m *Metrics) RecordMalformed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.Malformed.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordProbe records a focus probe call.
func (m *Metrics) RecordProbe(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ProbeCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("probe.outcome", outcome)))
}

// RecordReconnect records a scheduled reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("link.role", role)))
}
