// Package schema defines the structured-output contracts exchanged with
// LLM providers. Each contract has a canonical raw JSON Schema (sent to
// providers that enforce schemas server-side) and a typed Go struct with
// validation tags (enforced locally on every response, so callers never
// see malformed structured output).
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Schema pairs a contract name with its raw JSON Schema document.
type Schema struct {
	Name string
	Raw  string
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func v() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// RawObject parses the schema's raw JSON into a generic object, suitable
// for provider request payloads (response_format / responseJsonSchema).
func (s Schema) RawObject() (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s.Raw), &obj); err != nil {
		return nil, fmt.Errorf("schema %s: %w", s.Name, err)
	}
	return obj, nil
}

// Decode parses raw provider output into T and validates it. A parse or
// validation failure is the caller's signal to treat the provider response
// as a schema violation.
func Decode[T any](raw string) (T, error) {
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("parse structured output: %w", err)
	}
	if err := v().Struct(out); err != nil {
		return out, fmt.Errorf("validate structured output: %w", err)
	}
	return out, nil
}
