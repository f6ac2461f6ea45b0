package sandbox

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaEntry caches one tool's compiled payload schema, or the error hit
// compiling it, so a malformed schema fails every subsequent call for that
// tool with the same message instead of being re-parsed each time.
type schemaEntry struct {
	schema *jsonschema.Schema
	err    error
}

// compileSchema parses and compiles one tool's PayloadSchema document. Each
// tool gets its own resource URL so schemas from different tools in the
// same request never collide in the compiler's resource cache.
func compileSchema(toolID string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse payload schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://sandbox/" + toolID
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add payload schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return schema, nil
}

// validate checks cb args against def's PayloadSchema, if it declared one.
// A tool with no PayloadSchema accepts any args shape.
func (r *Resolver) validate(def ToolDefinition, args map[string]any) error {
	if len(def.PayloadSchema) == 0 {
		return nil
	}

	r.schemaMu.Lock()
	entry, cached := r.schemas[def.ID]
	r.schemaMu.Unlock()

	if !cached {
		schema, err := compileSchema(def.ID, def.PayloadSchema)
		entry = schemaEntry{schema: schema, err: err}
		r.schemaMu.Lock()
		r.schemas[def.ID] = entry
		r.schemaMu.Unlock()
	}
	if entry.err != nil {
		return entry.err
	}

	instance := make(map[string]any, len(args))
	for k, v := range args {
		instance[k] = v
	}
	return entry.schema.Validate(instance)
}
