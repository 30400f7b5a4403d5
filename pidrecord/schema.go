package pidrecord

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

const recordSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "PID record",
	"type": "object",
	"required": ["pid", "entries"],
	"properties": {
		"pid": {"type": "string", "minLength": 1},
		"entries": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["key", "value"],
					"properties": {
						"key": {"type": "string", "minLength": 1},
						"name": {"type": "string"},
						"value": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}
}`

// ValidationError lists the schema violations found in a document.
type ValidationError struct {
	Issues []string
}

func (err *ValidationError) Error() string {
	return fmt.Sprintf("record is invalid: %s", strings.Join(err.Issues, "; "))
}

// Validator checks documents against the PID record schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles the embedded record schema.
func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchema))
	if err != nil {
		return nil, errors.Wrap(err, "compiling record schema")
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a JSON document. It returns a *ValidationError when the
// document does not conform.
func (v *Validator) Validate(data []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.Wrap(err, "validating record")
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{}
	for _, desc := range result.Errors() {
		verr.Issues = append(verr.Issues, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return verr
}

// ValidateRecord encodes r and validates the result.
func (v *Validator) ValidateRecord(r *Record) error {
	blob, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encoding record")
	}
	return v.Validate(blob)
}
