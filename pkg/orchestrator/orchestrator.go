// Package orchestrator is the sole entry point external callers use to
// invoke capsules. It wraps the execution pipeline with a per-capsule
// circuit breaker, a hard timeout from the manifest's security policy,
// optional per-capsule rate limiting, and metrics emission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/karen-labs/capsule-core/pkg/breaker"
	"github.com/karen-labs/capsule-core/pkg/manifest"
	"github.com/karen-labs/capsule-core/pkg/observability"
	"github.com/karen-labs/capsule-core/pkg/pipeline"
	"github.com/karen-labs/capsule-core/pkg/registry"
)

// ErrCircuitOpen means the breaker rejected the call without entering
// the pipeline. This is the isolation guarantee for failing capsules.
var ErrCircuitOpen = errors.New("circuit open")

// ErrRateLimited means the per-capsule rate limiter rejected the call.
// Rate rejections do not count against the circuit breaker.
var ErrRateLimited = errors.New("rate limited")

// CircuitOpenError names the capsule whose breaker is open.
type CircuitOpenError struct {
	CapsuleID string
	State     breaker.State
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (state %s)", e.CapsuleID, e.State)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// timeoutMessage is the exact error string a timed-out invocation
// carries in its result.
const timeoutMessage = "execution timed out"

// Config tunes the orchestrator.
type Config struct {
	Breaker breaker.Config
	// RateLimit caps invocations per second per capsule ID; zero
	// disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// Orchestrator coordinates capsule invocation. Safe for concurrent use.
type Orchestrator struct {
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	metrics  *observability.Metrics
	breakers *breaker.Set
	logger   *slog.Logger

	rateLimit rate.Limit
	rateBurst int
	limMu     sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics wires the OTel instruments. Without it, invocations run
// unobserved (tests, tooling).
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New builds an Orchestrator over a registry and pipeline.
func New(reg *registry.Registry, pipe *pipeline.Pipeline, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		pipeline:  pipe,
		breakers:  breaker.NewSet(cfg.Breaker),
		logger:    slog.Default().With("component", "orchestrator"),
		rateLimit: cfg.RateLimit,
		rateBurst: cfg.RateBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteOption adjusts a single invocation.
type ExecuteOption func(*pipeline.Invocation)

// WithMemory attaches the caller's memory context.
func WithMemory(mem []any) ExecuteOption {
	return func(inv *pipeline.Invocation) { inv.Memory = mem }
}

// WithAudit requests a signed audit payload in the result.
func WithAudit() ExecuteOption {
	return func(inv *pipeline.Invocation) { inv.WithAudit = true }
}

// Execute invokes a capsule through the full pipeline.
//
// Only three conditions surface as a top-level error, all meaning the
// pipeline was never entered: an unregistered ID (registry.ErrNotFound),
// an implementation that cannot be constructed (registry.ErrLoad), and
// an open circuit (ErrCircuitOpen, plus ErrRateLimited when limiting is
// enabled). Every other failure comes back as a structured Result with
// Errors populated.
func (o *Orchestrator) Execute(ctx context.Context, capsuleID string, request map[string]any,
	user pipeline.UserContext, correlationID string, opts ...ExecuteOption) (*pipeline.Result, error) {

	start := time.Now()
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	inst, m, err := o.registry.Get(capsuleID)
	if err != nil {
		status := observability.StatusNotFound
		if errors.Is(err, registry.ErrLoad) {
			status = observability.StatusLoadError
		}
		o.record(ctx, capsuleID, status, time.Since(start))
		return nil, err
	}

	if !o.allowRate(capsuleID) {
		o.record(ctx, capsuleID, observability.StatusRateLimited, time.Since(start))
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, capsuleID)
	}

	br := o.breakers.Get(capsuleID)
	if !br.Allow() {
		o.record(ctx, capsuleID, observability.StatusCircuitOpen, time.Since(start))
		o.recordBreaker(ctx, capsuleID, br)
		return nil, &CircuitOpenError{CapsuleID: capsuleID, State: br.State()}
	}

	inv := pipeline.Invocation{
		Manifest:      m,
		Capsule:       inst,
		Request:       request,
		User:          user,
		CorrelationID: correlationID,
	}
	for _, opt := range opts {
		opt(&inv)
	}

	res, cancelled := o.invokeWithTimeout(ctx, m, inv)

	// Caller cancellation says nothing about the capsule's health, so it
	// is kept out of breaker bookkeeping.
	status := observability.StatusOK
	switch {
	case res.OK():
		br.RecordSuccess()
	case cancelled:
		status = observability.StatusError
	default:
		br.RecordFailure()
		status = observability.StatusError
		if res.FailureKind() == pipeline.KindTimeout {
			status = observability.StatusTimeout
		}
	}

	elapsed := time.Since(start)
	o.record(ctx, capsuleID, status, elapsed)
	o.recordBreaker(ctx, capsuleID, br)
	o.logger.Info("capsule executed",
		"capsule_id", capsuleID,
		"correlation_id", correlationID,
		"status", status,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

// invokeWithTimeout enforces the manifest's hard execution deadline.
// On expiry the caller gets the timeout result immediately; the
// pipeline goroutine keeps the cancelled context and is cleaned up
// best-effort if its core logic does not cooperate. The boolean is true
// when the caller's own context was cancelled rather than the deadline
// expiring.
func (o *Orchestrator) invokeWithTimeout(ctx context.Context, m *manifest.Manifest, inv pipeline.Invocation) (*pipeline.Result, bool) {
	timeout := time.Duration(m.Security.MaxExecutionTimeSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan *pipeline.Result, 1)
	go func() {
		done <- o.pipeline.Invoke(execCtx, inv)
	}()

	select {
	case res := <-done:
		return res, false
	case <-execCtx.Done():
		msg := timeoutMessage
		kind := pipeline.KindTimeout
		cancelled := errors.Is(execCtx.Err(), context.Canceled)
		if cancelled {
			msg = "execution cancelled"
			kind = pipeline.KindExecution
		}
		return &pipeline.Result{
			Metadata: map[string]any{
				"capsuleId":       m.ID,
				"capsuleVersion":  m.Version,
				"executionTimeMs": time.Since(start).Milliseconds(),
				"correlationId":   inv.CorrelationID,
				"failureKind":     kind,
			},
			Errors: []string{msg},
		}, cancelled
	}
}

// BreakerState exposes a capsule's breaker state for diagnostics.
func (o *Orchestrator) BreakerState(capsuleID string) breaker.State {
	return o.breakers.Get(capsuleID).State()
}

// BreakerStates snapshots the breaker state of every capsule that has
// been invoked at least once.
func (o *Orchestrator) BreakerStates() map[string]breaker.State {
	return o.breakers.States()
}

func (o *Orchestrator) allowRate(capsuleID string) bool {
	if o.rateLimit <= 0 {
		return true
	}
	o.limMu.Lock()
	lim, ok := o.limiters[capsuleID]
	if !ok {
		burst := o.rateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(o.rateLimit, burst)
		o.limiters[capsuleID] = lim
	}
	o.limMu.Unlock()
	return lim.Allow()
}

func (o *Orchestrator) record(ctx context.Context, capsuleID, status string, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordInvocation(ctx, capsuleID, status, elapsed)
}

func (o *Orchestrator) recordBreaker(ctx context.Context, capsuleID string, br *breaker.Breaker) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordBreakerState(ctx, capsuleID, br.State().String())
}
