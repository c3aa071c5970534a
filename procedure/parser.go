package procedure

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/semrpc/errors"
)

// Parser validates raw JSON and returns the value handed to the handler
type Parser interface {
	Parse(raw json.RawMessage) (any, error)
}

// ParserFunc adapts a function to Parser
type ParserFunc func(raw json.RawMessage) (any, error)

// Parse implements Parser
func (f ParserFunc) Parse(raw json.RawMessage) (any, error) {
	return f(raw)
}

// JSON returns a parser that decodes into T, rejecting unknown fields
func JSON[T any]() Parser {
	return ParserFunc(func(raw json.RawMessage) (any, error) {
		var v T
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return nil, errors.NewAPIError(errors.CodeValidation, "invalid payload").WithCause(err)
		}
		return v, nil
	})
}

// SchemaParser validates payloads against a JSON Schema and returns the
// generic decoded value
type SchemaParser struct {
	schema *gojsonschema.Schema
}

// FieldError is one schema violation reported to the client
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// NewSchemaParser compiles a JSON Schema document
func NewSchemaParser(schema string) (*SchemaParser, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, errors.WrapInvalid(err, "SchemaParser", "New", "compile schema")
	}
	return &SchemaParser{schema: compiled}, nil
}

// MustSchema is NewSchemaParser that panics, for static procedure tables
func MustSchema(schema string) *SchemaParser {
	p, err := NewSchemaParser(schema)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse implements Parser
func (p *SchemaParser) Parse(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	result, err := p.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, errors.NewAPIError(errors.CodeBadRequest, "payload is not valid JSON").WithCause(err)
	}
	if !result.Valid() {
		fields := make([]FieldError, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			fields = append(fields, FieldError{Field: re.Field(), Message: re.Description()})
		}
		return nil, errors.NewAPIError(errors.CodeValidation, "payload failed validation", fields)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.NewAPIError(errors.CodeBadRequest, "payload is not valid JSON").WithCause(err)
	}
	return v, nil
}

// ValidateOutput checks a handler result against an output parser. A
// failure is a server defect, so it is not an APIError and gets masked.
func ValidateOutput(p Parser, value any) error {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "Procedure", "ValidateOutput", "marshal result")
	}
	if _, err := p.Parse(raw); err != nil {
		return fmt.Errorf("procedure output failed validation: %v", err)
	}
	return nil
}
