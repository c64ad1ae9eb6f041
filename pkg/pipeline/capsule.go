// Package pipeline implements the fixed invocation template every
// capsule goes through: authorize, sanitize, pre-hook, core logic,
// post-hook, package. Modules supply only the core-logic step and
// optionally the hooks; the template is implemented once here.
package pipeline

import (
	"context"
)

// Capsule is the single required entry point of a skill module.
type Capsule interface {
	// RunCore executes the module's logic against a fully vetted
	// invocation context and returns any serializable value.
	RunCore(ctx context.Context, inv *Context) (any, error)
}

// PreHooker is implemented by capsules that need a policy or setup step
// between sanitization and core logic. Returning an error aborts the
// invocation as a policy violation.
type PreHooker interface {
	PreHook(ctx context.Context, inv *Context) error
}

// PostHooker is implemented by capsules that need cleanup after core
// logic. A post-hook failure aborts the whole invocation: the core
// result is discarded rather than returned with a warning, so partial
// success is never reported.
type PostHooker interface {
	PostHook(ctx context.Context, inv *Context, result any) error
}

// UserContext is the already-authenticated caller identity. Token
// verification happens upstream; the runtime only consumes its output.
type UserContext struct {
	Subject  string
	Roles    []string
	TenantID string
}

// Context is built fresh for each invocation and never persisted.
// Request holds the sanitized document; capsules must not retain it
// across invocations.
type Context struct {
	User          UserContext
	Request       map[string]any
	CorrelationID string
	Memory        []any
	AuditPayload  map[string]any // extra fields a capsule wants audited
}

// Failure kinds recorded in result metadata, used for metric status
// labels and operator forensics.
const (
	KindInsufficientPrivileges = "insufficient_privileges"
	KindSanitization           = "sanitization_error"
	KindPolicyViolation        = "policy_violation"
	KindExecution              = "execution_error"
	KindPostHook               = "post_hook_error"
	KindAudit                  = "audit_error"
	KindTimeout                = "timeout"
)

// Result is the uniform outcome of one invocation. Invariant: Errors
// non-empty implies Value is nil.
type Result struct {
	Value    any            `json:"result,omitempty"`
	Metadata map[string]any `json:"metadata"`
	Audit    map[string]any `json:"audit,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
}

// OK reports whether the invocation succeeded.
func (r *Result) OK() bool { return len(r.Errors) == 0 }

// FailureKind returns the metadata failure label, or "" on success.
func (r *Result) FailureKind() string {
	kind, _ := r.Metadata["failureKind"].(string)
	return kind
}
