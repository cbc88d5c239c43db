package payload

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/meshvale/storesync/internal/sync/domain"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks inbound payloads against per-entity JSON Schemas before
// they are applied to the local store. A payload the schema rejects will
// never succeed on retry, so validation failures are terminal.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schema set, one per entity type.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(domain.EntityTypes))

	for _, entityType := range domain.EntityTypes {
		name := entityType + ".json"

		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema for %s: %w", entityType, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema for %s: %w", entityType, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("failed to register schema for %s: %w", entityType, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", entityType, err)
		}
		schemas[entityType] = schema
	}

	return &Validator{schemas: schemas}, nil
}

// Validate checks payload against the schema for entityType.
func (v *Validator) Validate(entityType string, payload []byte) error {
	schema, ok := v.schemas[entityType]
	if !ok {
		return domain.WrapSyncError(domain.KindValidation, "payload.validate", domain.ErrUnknownEntityType)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return domain.WrapSyncError(domain.KindValidation, "payload.validate", fmt.Errorf("payload is not valid JSON: %w", err))
	}
	if err := schema.Validate(inst); err != nil {
		return domain.WrapSyncError(domain.KindValidation, "payload.validate", err)
	}
	return nil
}
