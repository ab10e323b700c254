package llm

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	compileErr  error
)

// outputSchema returns the compiled reply schema for an agent kind, or nil
// when the kind has none.
func outputSchema(kind string) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		schemas = make(map[string]*jsonschema.Schema)
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			compileErr = fmt.Errorf("read schemas: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		for _, e := range entries {
			raw, err := schemaFS.ReadFile("schemas/" + e.Name())
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", e.Name(), err)
				return
			}
			if err := compiler.AddResource(e.Name(), strings.NewReader(string(raw))); err != nil {
				compileErr = fmt.Errorf("add schema resource %s: %w", e.Name(), err)
				return
			}
		}
		for _, e := range entries {
			schema, err := compiler.Compile(e.Name())
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", e.Name(), err)
				return
			}
			schemas[strings.TrimSuffix(e.Name(), ".json")] = schema
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	return schemas[kind], nil
}

// validateShape checks a decoded reply against the schema of kind.
func validateShape(kind string, raw []byte) error {
	schema, err := outputSchema(kind)
	if err != nil || schema == nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("reply is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("reply does not match %s schema: %w", kind, err)
	}
	return nil
}
