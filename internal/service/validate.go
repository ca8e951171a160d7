package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/timmy/genflow/internal/domain"
)

var payloadSchemas = map[domain.JobKind]string{
	domain.JobKindContent:      promptSchema,
	domain.JobKindImage:        promptSchema,
	domain.JobKindPresentation: promptSchema,
	domain.JobKindVideo: `{
		"type": "object",
		"anyOf": [
			{"required": ["prompt"], "properties": {"prompt": {"type": "string", "minLength": 1}}},
			{"required": ["imageUrl"], "properties": {"imageUrl": {"type": "string", "minLength": 1}}}
		]
	}`,
	domain.JobKindDetection: textSchema,
	domain.JobKindHumanize:  textSchema,
}

const promptSchema = `{
	"type": "object",
	"required": ["prompt"],
	"properties": {"prompt": {"type": "string", "minLength": 1}}
}`

const textSchema = `{
	"type": "object",
	"required": ["text"],
	"properties": {"text": {"type": "string", "minLength": 1}}
}`

// PayloadValidator checks job payloads against the schema of their kind.
type PayloadValidator struct {
	schemas map[domain.JobKind]*jsonschema.Schema
}

// NewPayloadValidator compiles the payload schema of every job kind.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[domain.JobKind]*jsonschema.Schema, len(payloadSchemas))}
	for kind, src := range payloadSchemas {
		compiler := jsonschema.NewCompiler()
		name := string(kind) + ".json"
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// Validate returns a *domain.ValidationError describing the first problem.
func (v *PayloadValidator) Validate(kind domain.JobKind, payload json.RawMessage) error {
	if !kind.Valid() {
		return &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unsupported kind %q", kind)}
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return &domain.ValidationError{Field: "payload", Message: "must not be empty"}
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return &domain.ValidationError{Field: "payload", Message: "invalid JSON"}
	}

	if err := v.schemas[kind].Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &domain.ValidationError{Field: "payload", Message: describe(ve)}
		}
		return &domain.ValidationError{Field: "payload", Message: err.Error()}
	}
	return nil
}

// describe returns the innermost cause, which names the offending field.
func describe(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		return ve.Message
	}
	return loc + ": " + ve.Message
}
