package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every manifest validation failure.
var ErrInvalid = errors.New("invalid manifest")

// Capsule IDs are namespaced snake_case: capsule.memory_recall.
var idPattern = regexp.MustCompile(`^capsule\.[a-z][a-z0-9_]*$`)

// Bounds on the hard execution timeout, in seconds.
const (
	MinExecutionSeconds = 1
	MaxExecutionSeconds = 600
)

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "version", "type", "requiredRoles"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "type": {"type": "string"},
    "description": {"type": "string"},
    "requiredRoles": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "capabilities": {"type": "array", "items": {"type": "string"}},
    "allowedTools": {"type": "array", "items": {"type": "string"}},
    "maxTokens": {"type": "integer", "minimum": 1},
    "temperature": {"type": "number", "minimum": 0},
    "priority": {"type": "integer", "minimum": 0, "maximum": 100},
    "policyExpr": {"type": "string"},
    "securityPolicy": {
      "type": "object",
      "properties": {
        "allowNetworkAccess": {"type": "boolean"},
        "allowFileSystemAccess": {"type": "boolean"},
        "allowSystemCalls": {"type": "boolean"},
        "requireHardwareIsolation": {"type": "boolean"},
        "maxExecutionTimeSeconds": {"type": "integer"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://schemas.karen.local/capsule/manifest.schema.json"
		if err := c.AddResource(url, strings.NewReader(manifestSchema)); err != nil {
			compileErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(url)
	})
	return compiledSchema, compileErr
}

// validateSchema checks the raw document against the manifest JSON schema
// before any typed decoding happens.
func validateSchema(data []byte) error {
	schema, err := getSchema()
	if err != nil {
		return err
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: not a structured document: %v", ErrInvalid, err)
	}

	// Round-trip through encoding/json so the validator sees JSON types
	// regardless of what the YAML decoder produced.
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Validate applies the semantic rules the JSON schema cannot express.
func (m *Manifest) Validate() error {
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: id %q must match capsule.<snake_case>", ErrInvalid, m.ID)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: version %q is not semantic: %v", ErrInvalid, m.Version, err)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown capsule type %q", ErrInvalid, m.Type)
	}
	if len(m.RequiredRoles) == 0 {
		return fmt.Errorf("%w: requiredRoles must not be empty", ErrInvalid)
	}
	sec := m.Security.MaxExecutionTimeSeconds
	if sec < MinExecutionSeconds || sec > MaxExecutionSeconds {
		return fmt.Errorf("%w: maxExecutionTimeSeconds %d outside [%d,%d]",
			ErrInvalid, sec, MinExecutionSeconds, MaxExecutionSeconds)
	}
	return nil
}
