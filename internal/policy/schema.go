// Package policy decides whether a task may be dispatched: parameter schema
// validation, agent/task allow and deny lists, and permission checks with an
// audit trail.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Wildcard matches any agent or task type in registry lookups.
const Wildcard = "*"

// SchemaRegistry holds parameter schemas per (agent, task type).
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema

	// Strict makes pairs without a registered schema invalid.
	Strict bool
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

func schemaKey(agentID, taskType string) string {
	return agentID + "/" + taskType
}

// Register compiles schemaJSON (draft 2020-12) for the pair. Use Wildcard
// for either part to register a fallback.
func (r *SchemaRegistry) Register(agentID, taskType string, schemaJSON []byte) error {
	if agentID == "" || taskType == "" {
		return fmt.Errorf("register schema: agent and task type are required")
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	url := fmt.Sprintf("taskflow://schemas/%s/%s.json", agentID, taskType)
	if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("add schema %s/%s: %w", agentID, taskType, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s/%s: %w", agentID, taskType, err)
	}

	r.mu.Lock()
	r.schemas[schemaKey(agentID, taskType)] = schema
	r.mu.Unlock()
	return nil
}

// Has reports whether a schema (or fallback) covers the pair.
func (r *SchemaRegistry) Has(agentID, taskType string) bool {
	return r.lookup(agentID, taskType) != nil
}

// Len returns the number of registered schemas.
func (r *SchemaRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}

func (r *SchemaRegistry) lookup(agentID, taskType string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range []string{
		schemaKey(agentID, taskType),
		schemaKey(agentID, Wildcard),
		schemaKey(Wildcard, taskType),
		schemaKey(Wildcard, Wildcard),
	} {
		if s, ok := r.schemas[key]; ok {
			return s
		}
	}
	return nil
}

// Validate checks params against the registered schema. An empty result
// means the params are acceptable.
func (r *SchemaRegistry) Validate(agentID, taskType string, params map[string]interface{}) []types.FieldError {
	schema := r.lookup(agentID, taskType)
	if schema == nil {
		if r.Strict {
			return []types.FieldError{{
				Path:    "/",
				Message: fmt.Sprintf("no parameter schema registered for %s/%s", agentID, taskType),
				Hint:    "register a schema for this agent and task type or disable strict validation",
			}}
		}
		return nil
	}

	doc, err := normalize(params)
	if err != nil {
		return []types.FieldError{{Path: "/", Message: err.Error(), Hint: "params must be JSON encodable"}}
	}

	errs := missingRequired(schema, doc)
	reported := make(map[string]bool, len(errs))
	for _, fe := range errs {
		reported[fe.Path] = true
	}

	err = schema.Validate(doc)
	if err == nil {
		return errs
	}

	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return append(errs, types.FieldError{Path: "/", Message: err.Error()})
	}
	for _, fe := range extractErrors(verr, agentID, taskType) {
		if reported[fe.Path] {
			continue
		}
		errs = append(errs, fe)
	}
	return errs
}

// normalize converts params to the generic JSON value model the validator
// expects.
func normalize(params map[string]interface{}) (interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return doc, nil
}

// missingRequired reports absent top-level required fields with a hint
// naming the field and its expected type.
func missingRequired(schema *jsonschema.Schema, doc interface{}) []types.FieldError {
	obj, ok := doc.(map[string]interface{})
	if !ok || len(schema.Required) == 0 {
		return nil
	}
	var out []types.FieldError
	for _, name := range schema.Required {
		if _, present := obj[name]; present {
			continue
		}
		hint := fmt.Sprintf("add %q to params", name)
		if prop, ok := schema.Properties[name]; ok && prop != nil && len(prop.Types) > 0 {
			hint += fmt.Sprintf(" (expected %s)", strings.Join(prop.Types, " or "))
		}
		out = append(out, types.FieldError{
			Path:    "/" + name,
			Message: fmt.Sprintf("missing required field %q", name),
			Hint:    hint,
		})
	}
	return out
}

// extractErrors recursively flattens validation errors to their leaves.
func extractErrors(verr *jsonschema.ValidationError, agentID, taskType string) []types.FieldError {
	if len(verr.Causes) == 0 {
		// Root level required violations are reported by missingRequired.
		if verr.InstanceLocation == "" && strings.HasSuffix(verr.KeywordLocation, "/required") {
			return nil
		}
		path := verr.InstanceLocation
		if path == "" {
			path = "/"
		}
		return []types.FieldError{{
			Path:    path,
			Message: verr.Message,
			Hint:    fmt.Sprintf("check %s against the %s/%s parameter schema", path, agentID, taskType),
		}}
	}

	var out []types.FieldError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause, agentID, taskType)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
