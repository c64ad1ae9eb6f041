package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/karen-labs/capsule-core/pkg/audit"
	"github.com/karen-labs/capsule-core/pkg/authz"
	"github.com/karen-labs/capsule-core/pkg/manifest"
	"github.com/karen-labs/capsule-core/pkg/policy"
	"github.com/karen-labs/capsule-core/pkg/sanitize"
)

// Clock provides the pipeline's notion of time, injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Invocation carries everything needed for one pipeline run.
type Invocation struct {
	Manifest      *manifest.Manifest
	Capsule       Capsule
	Request       map[string]any
	User          UserContext
	CorrelationID string
	Memory        []any
	WithAudit     bool
}

// Pipeline executes the invocation template. Safe for concurrent use;
// it holds no per-invocation state.
type Pipeline struct {
	gate   *policy.Gate
	signer *audit.Signer
	clock  Clock
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock injects a deterministic clock.
func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger overrides the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New builds a Pipeline. The signer's secret source is the external
// secret store; pass a StaticSecret-backed signer in tests.
func New(gate *policy.Gate, signer *audit.Signer, opts ...Option) *Pipeline {
	p := &Pipeline{
		gate:   gate,
		signer: signer,
		clock:  wallClock{},
		logger: slog.Default().With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Invoke runs the template. Every step failure is folded into a Result
// with Errors populated; Invoke never returns a Go error, so the
// orchestrator classifies outcomes uniformly. A panic in module-supplied
// code (core logic or a hook) is recovered here and folded into an
// execution failure, so one broken capsule cannot take down the process.
func (p *Pipeline) Invoke(ctx context.Context, inv Invocation) (res *Result) {
	start := p.clock.Now()
	m := inv.Manifest

	defer func() {
		if r := recover(); r != nil {
			res = p.fail(inv, start, KindExecution,
				fmt.Errorf("capsule panic in %s: %v", m.ID, r))
		}
	}()

	// 1. Authorize: caller roles must cover every required role.
	roles := authz.NewRoleSet(inv.User.Roles)
	if err := authz.CheckRoles(m.ID, m.RequiredRoles, roles); err != nil {
		return p.fail(inv, start, KindInsufficientPrivileges, err)
	}

	// 2. Sanitize the request document.
	cleanReq, err := sanitize.Document(inv.Request)
	if err != nil {
		return p.fail(inv, start, KindSanitization, err)
	}

	cctx := &Context{
		User:          inv.User,
		Request:       cleanReq,
		CorrelationID: inv.CorrelationID,
		Memory:        inv.Memory,
	}

	// 3. Pre-hook: the shared policy gate first, then the capsule's own
	// hook when it provides one.
	if err := p.gate.Check(m, cleanReq, inv.User.Subject, inv.User.Roles); err != nil {
		return p.fail(inv, start, KindPolicyViolation, err)
	}
	if pre, ok := inv.Capsule.(PreHooker); ok {
		if err := pre.PreHook(ctx, cctx); err != nil {
			return p.fail(inv, start, KindPolicyViolation,
				&policy.ViolationError{CapsuleID: m.ID, Reason: err.Error()})
		}
	}

	// 4. Core logic.
	value, err := inv.Capsule.RunCore(ctx, cctx)
	if err != nil {
		return p.fail(inv, start, KindExecution,
			fmt.Errorf("capsule execution error in %s: %w", m.ID, err))
	}

	// 5. Post-hook. A failure discards the core result.
	if post, ok := inv.Capsule.(PostHooker); ok {
		if err := post.PostHook(ctx, cctx, value); err != nil {
			return p.fail(inv, start, KindPostHook,
				fmt.Errorf("post-hook failed in %s: %w", m.ID, err))
		}
	}

	// 6. Package.
	res = &Result{
		Value:    value,
		Metadata: p.metadata(inv, start, ""),
	}
	if inv.WithAudit {
		signed, err := p.sign(ctx, inv, cctx)
		if err != nil {
			return p.fail(inv, start, KindAudit, err)
		}
		res.Audit = signed
	}
	return res
}

func (p *Pipeline) sign(ctx context.Context, inv Invocation, cctx *Context) (map[string]any, error) {
	rec := audit.NewRecord(inv.User.Subject, inv.User.TenantID, inv.Manifest.ID,
		inv.CorrelationID, p.clock.Now())
	signed, err := p.signer.Sign(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("audit signing failed: %w", err)
	}
	out := signed.AsMap()
	for k, v := range cctx.AuditPayload {
		if _, reserved := out[k]; !reserved {
			out[k] = v
		}
	}
	return out, nil
}

func (p *Pipeline) metadata(inv Invocation, start time.Time, kind string) map[string]any {
	md := map[string]any{
		"capsuleId":       inv.Manifest.ID,
		"capsuleVersion":  inv.Manifest.Version,
		"executionTimeMs": p.clock.Now().Sub(start).Milliseconds(),
		"correlationId":   inv.CorrelationID,
	}
	if kind != "" {
		md["failureKind"] = kind
	}
	return md
}

func (p *Pipeline) fail(inv Invocation, start time.Time, kind string, err error) *Result {
	p.logger.Warn("invocation failed",
		"capsule_id", inv.Manifest.ID,
		"correlation_id", inv.CorrelationID,
		"kind", kind,
		"error", err.Error(),
	)
	return &Result{
		Metadata: p.metadata(inv, start, kind),
		Errors:   []string{err.Error()},
	}
}
