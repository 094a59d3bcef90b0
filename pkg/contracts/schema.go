package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://schemas.carbonmrv.local/"

// Schema names for documents accepted from external collaborators.
const (
	SchemaFarm        = "farm"
	SchemaObservation = "observation"
	SchemaWorkflow    = "workflow"
)

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledSchema map[string]*jsonschema.Schema
)

func loadSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		schemaErr = fmt.Errorf("read embedded schemas: %w", err)
		return
	}
	for _, e := range entries {
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			schemaErr = fmt.Errorf("read schema %s: %w", e.Name(), err)
			return
		}
		if err := c.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
			schemaErr = fmt.Errorf("schema load failed for %s: %w", e.Name(), err)
			return
		}
	}

	compiledSchema = make(map[string]*jsonschema.Schema)
	for _, name := range []string{SchemaFarm, SchemaObservation, SchemaWorkflow} {
		s, err := c.Compile(schemaBaseURL + name + ".schema.json")
		if err != nil {
			schemaErr = fmt.Errorf("schema compile failed for %s: %w", name, err)
			return
		}
		compiledSchema[name] = s
	}
}

// ValidateDocument checks a raw JSON document against the named schema.
// Violations wrap ErrInvalidFarmRecord or ErrInvalidObservation so callers
// can classify them as validation failures.
func ValidateDocument(name string, data []byte) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	s, ok := compiledSchema[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", sentinelFor(name), err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", sentinelFor(name), err)
	}
	return nil
}

func sentinelFor(name string) error {
	if name == SchemaFarm {
		return ErrInvalidFarmRecord
	}
	return ErrInvalidObservation
}
