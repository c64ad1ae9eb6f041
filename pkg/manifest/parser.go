package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a manifest document omits optional fields.
const (
	DefaultMaxTokens   = 256
	DefaultTemperature = 0.7
	DefaultPriority    = 50
)

// Parse decodes a manifest document (YAML or JSON) and validates it.
// The returned manifest has all defaults applied and must be treated as
// immutable by callers.
func Parse(data []byte) (*Manifest, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	m := Manifest{
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		Priority:    DefaultPriority,
		Security:    DefaultSecurityPolicy(),
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseFile reads and parses a manifest document from disk.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// UnmarshalYAML applies defaults for a partially specified securityPolicy
// block: omitted keys keep their restrictive defaults.
func (p *SecurityPolicy) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		AllowNetworkAccess       *bool `yaml:"allowNetworkAccess"`
		AllowFileSystemAccess    *bool `yaml:"allowFileSystemAccess"`
		AllowSystemCalls         *bool `yaml:"allowSystemCalls"`
		RequireHardwareIsolation *bool `yaml:"requireHardwareIsolation"`
		MaxExecutionTimeSeconds  *int  `yaml:"maxExecutionTimeSeconds"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*p = DefaultSecurityPolicy()
	if r.AllowNetworkAccess != nil {
		p.AllowNetworkAccess = *r.AllowNetworkAccess
	}
	if r.AllowFileSystemAccess != nil {
		p.AllowFileSystemAccess = *r.AllowFileSystemAccess
	}
	if r.AllowSystemCalls != nil {
		p.AllowSystemCalls = *r.AllowSystemCalls
	}
	if r.RequireHardwareIsolation != nil {
		p.RequireHardwareIsolation = *r.RequireHardwareIsolation
	}
	if r.MaxExecutionTimeSeconds != nil {
		p.MaxExecutionTimeSeconds = *r.MaxExecutionTimeSeconds
	}
	return nil
}
