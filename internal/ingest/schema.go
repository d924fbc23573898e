package ingest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fiberlabs/metagraph-indexer/internal/domain/model"
)

const agentIdentitySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["agentId", "owner"],
	"properties": {
		"agentId": {"type": "string", "minLength": 1},
		"owner": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"endpoints": {"type": "array", "items": {"type": "string"}},
		"metadata": {"type": "object"}
	}
}`

const contractSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["contractId", "parties", "status"],
	"properties": {
		"contractId": {"type": "string", "minLength": 1},
		"parties": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"status": {"type": "string"},
		"terms": {"type": "object"}
	}
}`

// SchemaRegistry classifies fiber state payloads by validating them against
// the JSON schema registered for each known kind. Payloads that match no
// schema classify as KindUnknown; they are indexed as-is rather than dropped,
// so a metagraph upgrade that introduces a new entity kind does not stall
// indexing.
type SchemaRegistry struct {
	order   []model.FiberKind
	schemas map[model.FiberKind]*jsonschema.Schema
}

// NewSchemaRegistry returns a registry with the built-in entity kinds.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{schemas: make(map[model.FiberKind]*jsonschema.Schema)}
	if err := r.Register(model.FiberKindAgentIdentity, agentIdentitySchema); err != nil {
		return nil, err
	}
	if err := r.Register(model.FiberKindContract, contractSchema); err != nil {
		return nil, err
	}
	return r, nil
}

// Register compiles schemaJSON and associates it with kind. Registration
// order determines classification precedence.
func (r *SchemaRegistry) Register(kind model.FiberKind, schemaJSON string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for kind %s: %w", kind, err)
	}

	compiler := jsonschema.NewCompiler()
	resource := string(kind) + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema resource for kind %s: %w", kind, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for kind %s: %w", kind, err)
	}

	if _, exists := r.schemas[kind]; !exists {
		r.order = append(r.order, kind)
	}
	r.schemas[kind] = schema
	return nil
}

// Classify returns the first registered kind whose schema accepts the
// payload, or KindUnknown when none does or the payload is not valid JSON.
func (r *SchemaRegistry) Classify(payload []byte) model.FiberKind {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return model.FiberKindUnknown
	}
	for _, kind := range r.order {
		if err := r.schemas[kind].Validate(inst); err == nil {
			return kind
		}
	}
	return model.FiberKindUnknown
}
