package event

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Sentinel errors for event validation.
var (
	// ErrInvalid indicates the event failed schema validation at publish.
	ErrInvalid = errors.New("invalid event")
	// ErrUnknownCategory indicates the category is not a declared one.
	ErrUnknownCategory = errors.New("unknown event category")
	// ErrUnknownSeverity indicates the severity is not a declared one.
	ErrUnknownSeverity = errors.New("unknown event severity")
	// ErrEmptyType indicates the event type string is empty.
	ErrEmptyType = errors.New("event type must not be empty")
	// ErrEmptySource indicates the event source string is empty.
	ErrEmptySource = errors.New("event source must not be empty")
)

//go:embed schemas/*.json
var schemaFS embed.FS

// categoriesWithSchema lists the categories that carry a payload subschema.
// The remaining categories accept any structured payload.
var categoriesWithSchema = []Category{
	CategoryFile, CategoryGit, CategoryTest, CategoryBuild,
	CategoryAI, CategoryStage,
}

// Validator checks events against per-category payload subschemas.
// Schemas are compiled once at construction; Validate is safe for
// concurrent use.
type Validator struct {
	schemas map[Category]*gojsonschema.Schema
	strict  bool
}

// NewValidator compiles the embedded category subschemas. When strict is
// true, events with a category outside the declared set are rejected;
// otherwise they pass through with only structural checks.
func NewValidator(strict bool) (*Validator, error) {
	schemas := make(map[Category]*gojsonschema.Schema, len(categoriesWithSchema))

	for _, cat := range categoriesWithSchema {
		raw, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s.json", cat))
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", cat, err)
		}

		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", cat, err)
		}

		schemas[cat] = schema
	}

	return &Validator{schemas: schemas, strict: strict}, nil
}

// Validate checks the event's structural invariants and its payload
// against the category subschema. All failures wrap ErrInvalid so callers
// can classify with errors.Is.
func (v *Validator) Validate(e *Event) error {
	if e.Type == "" {
		return fmt.Errorf("%w: %w", ErrInvalid, ErrEmptyType)
	}

	if e.Source == "" {
		return fmt.Errorf("%w: %w", ErrInvalid, ErrEmptySource)
	}

	if !KnownSeverity(e.Severity) {
		return fmt.Errorf("%w: %w: %q", ErrInvalid, ErrUnknownSeverity, e.Severity)
	}

	if !KnownCategory(e.Category) {
		if v.strict {
			return fmt.Errorf("%w: %w: %q", ErrInvalid, ErrUnknownCategory, e.Category)
		}

		return nil
	}

	schema, ok := v.schemas[e.Category]
	if !ok {
		// Categories without a subschema accept any payload.
		return nil
	}

	payload := e.Data
	if payload == nil {
		payload = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: validate %s payload: %w", ErrInvalid, e.Category, err)
	}

	if !result.Valid() {
		return fmt.Errorf("%w: %s payload: %s", ErrInvalid, e.Category, formatSchemaErrors(result))
	}

	return nil
}

func formatSchemaErrors(result *gojsonschema.Result) string {
	msgs := make([]string, 0, len(result.Errors()))
	for _, resErr := range result.Errors() {
		msgs = append(msgs, resErr.String())
	}

	return strings.Join(msgs, "; ")
}
