// Package manifest defines the typed description of a capsule: identity,
// required roles, capability tags, and the resource/security policy the
// execution pipeline enforces. Manifests are immutable once loaded.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Type is the skill category of a capsule. The set is closed.
type Type string

const (
	TypeReasoning       Type = "reasoning"
	TypeMemory          Type = "memory"
	TypeNeuroRecall     Type = "neuro-recall"
	TypeResponse        Type = "response"
	TypeObservation     Type = "observation"
	TypeSecurity        Type = "security"
	TypeIntegration     Type = "integration"
	TypePredictive      Type = "predictive"
	TypeUtility         Type = "utility"
	TypeMetacognitive   Type = "metacognitive"
	TypePersonalization Type = "personalization"
	TypeCreative        Type = "creative"
	TypeAutonomous      Type = "autonomous"
)

// Types lists every valid capsule type.
var Types = []Type{
	TypeReasoning, TypeMemory, TypeNeuroRecall, TypeResponse,
	TypeObservation, TypeSecurity, TypeIntegration, TypePredictive,
	TypeUtility, TypeMetacognitive, TypePersonalization, TypeCreative,
	TypeAutonomous,
}

// Valid reports whether t is one of the closed set of capsule types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// SecurityPolicy declares the resource envelope a capsule runs under.
// The zero value is NOT the default; use DefaultSecurityPolicy.
type SecurityPolicy struct {
	AllowNetworkAccess       bool `json:"allowNetworkAccess" yaml:"allowNetworkAccess"`
	AllowFileSystemAccess    bool `json:"allowFileSystemAccess" yaml:"allowFileSystemAccess"`
	AllowSystemCalls         bool `json:"allowSystemCalls" yaml:"allowSystemCalls"`
	RequireHardwareIsolation bool `json:"requireHardwareIsolation" yaml:"requireHardwareIsolation"`
	MaxExecutionTimeSeconds  int  `json:"maxExecutionTimeSeconds" yaml:"maxExecutionTimeSeconds"`
}

// DefaultSecurityPolicy returns the fully restrictive default policy
// applied when a manifest omits the securityPolicy block.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		AllowNetworkAccess:       false,
		AllowFileSystemAccess:    false,
		AllowSystemCalls:         false,
		RequireHardwareIsolation: true,
		MaxExecutionTimeSeconds:  60,
	}
}

// Manifest describes a single capsule. Immutable after Parse.
type Manifest struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Version       string         `json:"version" yaml:"version"`
	Type          Type           `json:"type" yaml:"type"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredRoles []string       `json:"requiredRoles" yaml:"requiredRoles"`
	Capabilities  []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	AllowedTools  []string       `json:"allowedTools,omitempty" yaml:"allowedTools,omitempty"`
	MaxTokens     int            `json:"maxTokens" yaml:"maxTokens"`
	Temperature   float64        `json:"temperature" yaml:"temperature"`
	Priority      int            `json:"priority" yaml:"priority"`
	PolicyExpr    string         `json:"policyExpr,omitempty" yaml:"policyExpr,omitempty"`
	Security      SecurityPolicy `json:"securityPolicy" yaml:"securityPolicy"`
}

// HasCapability reports whether the manifest declares the capability tag.
func (m *Manifest) HasCapability(tag string) bool {
	for _, c := range m.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ToolAllowed reports whether a tool identifier is on the advisory
// whitelist. Enforcement is the calling capsule's responsibility.
func (m *Manifest) ToolAllowed(tool string) bool {
	for _, t := range m.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// Fingerprint returns the SHA-256 hex digest of the RFC 8785 canonical
// JSON form of the manifest. Re-discovery compares fingerprints to decide
// whether a registry entry (and its cached instance) must be replaced.
func (m *Manifest) Fingerprint() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("manifest fingerprint: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("manifest fingerprint: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
