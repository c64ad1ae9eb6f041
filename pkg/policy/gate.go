// Package policy evaluates a capsule's security policy before its core
// logic runs. Manifests may carry an optional CEL expression over the
// request and caller identity; the gate is fail-closed, so a compile or
// evaluation error denies the invocation.
package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/karen-labs/capsule-core/pkg/manifest"
)

// ErrPolicyViolation is the sentinel for pre-execution policy denials.
var ErrPolicyViolation = errors.New("policy violation")

// ViolationError carries the denial reason. Unwraps to ErrPolicyViolation.
type ViolationError struct {
	CapsuleID string
	Reason    string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy violation in %s: %s", e.CapsuleID, e.Reason)
}

func (e *ViolationError) Unwrap() error { return ErrPolicyViolation }

// Request markers a capsule caller can set to declare resource needs.
// The gate rejects a marked request when the manifest's security policy
// does not grant the resource.
const (
	MarkerNetwork    = "__requires_network"
	MarkerFileSystem = "__requires_filesystem"
	MarkerSysCalls   = "__requires_syscalls"
)

// Gate compiles and caches manifest policy expressions.
type Gate struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program // keyed by expression text
}

// NewGate builds the shared CEL environment. The variables visible to
// policy expressions are request, subject, roles and policy.
func NewGate() (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("subject", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("policy", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: env setup: %w", err)
	}
	return &Gate{env: env, programs: make(map[string]cel.Program)}, nil
}

// Check runs the built-in resource-marker checks and, if present, the
// manifest's CEL expression. A nil return admits the invocation.
func (g *Gate) Check(m *manifest.Manifest, request map[string]any, subject string, roles []string) error {
	if err := checkMarkers(m, request); err != nil {
		return err
	}
	if m.PolicyExpr == "" {
		return nil
	}

	prg, err := g.program(m.PolicyExpr)
	if err != nil {
		return &ViolationError{CapsuleID: m.ID, Reason: fmt.Sprintf("policy expression rejected: %v", err)}
	}

	out, _, err := prg.Eval(map[string]any{
		"request": request,
		"subject": subject,
		"roles":   roles,
		"policy": map[string]any{
			"allowNetworkAccess":       m.Security.AllowNetworkAccess,
			"allowFileSystemAccess":    m.Security.AllowFileSystemAccess,
			"allowSystemCalls":         m.Security.AllowSystemCalls,
			"requireHardwareIsolation": m.Security.RequireHardwareIsolation,
			"maxExecutionTimeSeconds":  m.Security.MaxExecutionTimeSeconds,
		},
	})
	if err != nil {
		// Fail closed.
		return &ViolationError{CapsuleID: m.ID, Reason: fmt.Sprintf("policy evaluation failed: %v", err)}
	}

	allow, ok := out.Value().(bool)
	if !ok {
		return &ViolationError{CapsuleID: m.ID, Reason: "policy expression did not yield a boolean"}
	}
	if !allow {
		return &ViolationError{CapsuleID: m.ID, Reason: "denied by policy expression"}
	}
	return nil
}

func checkMarkers(m *manifest.Manifest, request map[string]any) error {
	checks := []struct {
		marker  string
		allowed bool
		what    string
	}{
		{MarkerNetwork, m.Security.AllowNetworkAccess, "network access"},
		{MarkerFileSystem, m.Security.AllowFileSystemAccess, "file system access"},
		{MarkerSysCalls, m.Security.AllowSystemCalls, "system calls"},
	}
	for _, c := range checks {
		if truthy(request[c.marker]) && !c.allowed {
			return &ViolationError{CapsuleID: m.ID, Reason: c.what + " not permitted by security policy"}
		}
	}
	return nil
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func (g *Gate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.programs[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := g.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression type is %s, want bool", ast.OutputType())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.programs[expr] = prg
	g.mu.Unlock()
	return prg, nil
}
