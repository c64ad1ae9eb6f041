package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Capsule semantic convention attributes.
var (
	AttrCapsuleID = attribute.Key("capsule_id")
	AttrStatus    = attribute.Key("status")
)

// Invocation status values recorded on capsule_executions_total.
const (
	StatusOK          = "ok"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusCircuitOpen = "circuit_open"
	StatusRateLimited = "rate_limited"
	StatusNotFound    = "not_found"
	StatusLoadError   = "load_error"
)

// Metrics holds the runtime's instruments. It also implements the
// registry's discovery Observer.
type Metrics struct {
	executions  metric.Int64Counter
	duration    metric.Float64Histogram
	breakerOpen metric.Int64Gauge
	discovery   metric.Int64Counter
	loadSuccess metric.Int64Counter
	loadFailure metric.Int64Counter
}

// NewMetrics builds the capsule instruments on the given meter. Pass
// Provider.Meter(), or a test meter backed by a manual reader.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.executions, err = meter.Int64Counter("capsule_executions_total",
		metric.WithDescription("Capsule invocations by outcome"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("capsule_executions_total: %w", err)
	}

	m.duration, err = meter.Float64Histogram("capsule_execution_seconds",
		metric.WithDescription("Capsule invocation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	if err != nil {
		return nil, fmt.Errorf("capsule_execution_seconds: %w", err)
	}

	m.breakerOpen, err = meter.Int64Gauge("capsule_circuit_breaker_open",
		metric.WithDescription("1 when the capsule's circuit breaker is OPEN, 0 otherwise"),
	)
	if err != nil {
		return nil, fmt.Errorf("capsule_circuit_breaker_open: %w", err)
	}

	m.discovery, err = meter.Int64Counter("capsule_discovery_total",
		metric.WithDescription("Capsule directories scanned"),
	)
	if err != nil {
		return nil, fmt.Errorf("capsule_discovery_total: %w", err)
	}

	m.loadSuccess, err = meter.Int64Counter("capsule_load_success_total",
		metric.WithDescription("Manifests registered successfully"),
	)
	if err != nil {
		return nil, fmt.Errorf("capsule_load_success_total: %w", err)
	}

	m.loadFailure, err = meter.Int64Counter("capsule_load_failure_total",
		metric.WithDescription("Manifests rejected during discovery"),
	)
	if err != nil {
		return nil, fmt.Errorf("capsule_load_failure_total: %w", err)
	}

	return m, nil
}

// RecordInvocation emits the counter and duration histogram for one
// invocation outcome.
func (m *Metrics) RecordInvocation(ctx context.Context, capsuleID, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		AttrCapsuleID.String(capsuleID),
		AttrStatus.String(status),
	)
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(AttrCapsuleID.String(capsuleID)))
}

// RecordBreakerState updates the open-circuit gauge for a capsule. The
// gauge is keyed by capsule ID only, so a state transition overwrites
// the previous value instead of leaving a stale series per state.
func (m *Metrics) RecordBreakerState(ctx context.Context, capsuleID, state string) {
	var open int64
	if state == "OPEN" {
		open = 1
	}
	m.breakerOpen.Record(ctx, open,
		metric.WithAttributes(AttrCapsuleID.String(capsuleID)))
}

// CapsuleDiscovered implements the registry discovery observer.
func (m *Metrics) CapsuleDiscovered() {
	m.discovery.Add(context.Background(), 1)
}

// CapsuleLoaded implements the registry discovery observer.
func (m *Metrics) CapsuleLoaded() {
	m.loadSuccess.Add(context.Background(), 1)
}

// CapsuleLoadFailed implements the registry discovery observer.
func (m *Metrics) CapsuleLoadFailed() {
	m.loadFailure.Add(context.Background(), 1)
}
