// Package schema protects the read model from malformed or
// unknown-version ledger events.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"ledgerbridge/internal/domain"
)

//go:embed schemas/*.json
var schemasFS embed.FS

// ValidationError carries the structural findings for one event. It is a
// classification result, not an infrastructure failure: the caller
// dead-letters the event and moves on.
type ValidationError struct {
	Name    string
	Version int
	Errs    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %s v%d invalid: %s", e.Name, e.Version, strings.Join(e.Errs, "; "))
}

// Validator holds compiled schemas keyed by (event name, version).
// Validation is strict: unknown names, unknown versions, and undeclared
// fields are all rejected.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func schemaKey(name string, version int) string {
	return fmt.Sprintf("%s.v%d", name, version)
}

// NewValidator compiles every embedded schema. Filenames follow
// <event name>.v<version>.json.
func NewValidator() (*Validator, error) {
	files, err := fs.ReadDir(schemasFS, "schemas")
	if err != nil {
		return nil, err
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(files))}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := schemasFS.ReadFile("schemas/" + f.Name())
		if err != nil {
			return nil, err
		}
		key := strings.TrimSuffix(f.Name(), ".json")
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://ledgerbridge.local/events/%s.json", key)
		if err := compiler.AddResource(url, strings.NewReader(string(data))); err != nil {
			return nil, fmt.Errorf("schema %s: %w", f.Name(), err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", f.Name(), err)
		}
		v.schemas[key] = compiled
	}
	return v, nil
}

// Known reports whether a schema is registered for (name, version).
func (v *Validator) Known(name string, version int) bool {
	_, ok := v.schemas[schemaKey(name, version)]
	return ok
}

// Validate checks an event payload against its registered schema. The
// returned error is a *ValidationError for structural problems and unknown
// (name, version) pairs.
func (v *Validator) Validate(evt domain.Event) error {
	schema, ok := v.schemas[schemaKey(evt.Name, evt.Version)]
	if !ok {
		return &ValidationError{
			Name:    evt.Name,
			Version: evt.Version,
			Errs:    []string{"unknown event name/version"},
		}
	}
	var value any
	if err := json.Unmarshal([]byte(evt.PayloadJSON), &value); err != nil {
		return &ValidationError{
			Name:    evt.Name,
			Version: evt.Version,
			Errs:    []string{fmt.Sprintf("payload is not valid JSON: %v", err)},
		}
	}
	if err := schema.Validate(value); err != nil {
		return &ValidationError{
			Name:    evt.Name,
			Version: evt.Version,
			Errs:    flatten(err),
		}
	}
	return nil
}

func flatten(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
