// Package schema validates JSON payloads (action bodies, upstream frames)
// against compiled JSON Schemas.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks documents against one compiled schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile parses and compiles schemaJSON. name identifies the schema in
// error messages.
func Compile(name string, schemaJSON []byte) (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	s, err := c.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Validator{name: name, schema: s}, nil
}

// MustCompile is Compile for schemas embedded in the binary.
func MustCompile(name string, schemaJSON []byte) *Validator {
	v, err := Compile(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate parses data and checks it against the schema. Malformed JSON and
// schema violations are both reported as errors.
func (v *Validator) Validate(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%s: malformed JSON", v.name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", v.name, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", v.name, err)
	}
	return nil
}
