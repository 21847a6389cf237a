// Package schema validates opaque frame inputs against caller-supplied JSON
// Schemas before a push is accepted.
package schema

import (
	"fmt"
	"os"

	"github.com/kaptinlin/jsonschema"

	"github.com/Iron-Ham/framestack/internal/errors"
)

// Compile parses a JSON Schema document with format assertions enabled.
func Compile(schemaJSON []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("compile schema: %v", err)).WithField("input_schema")
	}
	return schema, nil
}

// ValidateInputs checks inputs against schemaJSON. An empty schema accepts
// anything. Failures match errors.ErrInvalidInput.
func ValidateInputs(schemaJSON, inputs []byte) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	schema, err := Compile(schemaJSON)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		inputs = []byte("null")
	}

	result := schema.ValidateJSON(inputs)
	if result.IsValid() {
		return nil
	}
	return errors.NewValidationError(fmt.Sprintf("inputs do not match schema: %v", result.Errors)).WithField("inputs")
}

// LoadFile reads a schema document from disk and checks that it compiles.
func LoadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := Compile(data); err != nil {
		return nil, err
	}
	return data, nil
}
