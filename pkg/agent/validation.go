package agent

import (
	"encoding/json"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateFunc validates data against a JSON schema (bytes) and returns error on failure.
type ValidateFunc func(schema []byte, data any) error

// JSONSchemaValidator is a ValidateFunc using jsonschema/v6. It compiles the
// schema on every call; long-lived callers should use a SchemaCache.
func JSONSchemaValidator(schema []byte, data any) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := compile(schema)
	if err != nil {
		return err
	}
	return sch.Validate(toJSONValue(data))
}

// CompileJSONSchema compiles the provided JSON schema and returns error only if the schema is invalid.
func CompileJSONSchema(schema []byte) error {
	if len(schema) == 0 {
		return nil
	}
	_, err := compile(schema)
	return err
}

// SchemaCache validates against compiled schemas keyed by their source text.
// It is safe for concurrent use.
type SchemaCache struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func NewSchemaCache() *SchemaCache {
	return &SchemaCache{compiled: map[string]*jsonschema.Schema{}}
}

// Validate is a ValidateFunc backed by the cache.
func (c *SchemaCache) Validate(schema []byte, data any) error {
	if len(schema) == 0 {
		return nil
	}
	key := string(schema)
	c.mu.RLock()
	sch, ok := c.compiled[key]
	c.mu.RUnlock()
	if !ok {
		var err error
		if sch, err = compile(schema); err != nil {
			return err
		}
		c.mu.Lock()
		c.compiled[key] = sch
		c.mu.Unlock()
	}
	return sch.Validate(toJSONValue(data))
}

func compile(schema []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("mem://schema.json")
}

// toJSONValue round-trips data through JSON so typed Go values validate the
// same way decoded model arguments do.
func toJSONValue(data any) any {
	b, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return data
	}
	return v
}
