// Package definitions persists named workflow definitions that can be
// executed repeatedly.
package definitions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrDefinitionExists   = errors.New("definition already exists")
)

// Definition is a saved workflow template.
type Definition struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Version     int                       `json:"version"`
	Workflow    *types.WorkflowDefinition `json:"workflow"`
	Labels      map[string]string         `json:"labels,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	CreatedBy   string                    `json:"created_by,omitempty"`
}

// CreateRequest is the input for saving a new definition.
type CreateRequest struct {
	ID          string                    `json:"id,omitempty"` // generated when empty
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Workflow    *types.WorkflowDefinition `json:"workflow"`
	Labels      map[string]string         `json:"labels,omitempty"`
	CreatedBy   string                    `json:"created_by,omitempty"`
}

// UpdateRequest changes an existing definition. Nil fields are kept.
// Replacing the workflow bumps the version.
type UpdateRequest struct {
	Name        *string                   `json:"name,omitempty"`
	Description *string                   `json:"description,omitempty"`
	Workflow    *types.WorkflowDefinition `json:"workflow,omitempty"`
	Labels      map[string]string         `json:"labels,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit     int
	Offset    int
	CreatedBy string
}

// Store defines definition persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create saves a new definition. Returns ErrDefinitionExists if the ID is taken.
	Create(ctx context.Context, req *CreateRequest) (*Definition, error)

	// Get returns ErrDefinitionNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Definition, error)

	Update(ctx context.Context, id string, req *UpdateRequest) (*Definition, error)

	Delete(ctx context.Context, id string) error

	// List returns definitions ordered by id.
	List(ctx context.Context, opts *ListOptions) ([]*Definition, error)

	Close() error
}

// Validate checks a CreateRequest, including the workflow DAG.
func (r *CreateRequest) Validate() error {
	if r.Name == "" {
		return errors.New("definition name is required")
	}
	if r.Workflow == nil {
		return errors.New("definition workflow is required")
	}
	if err := r.Workflow.Validate(); err != nil {
		return fmt.Errorf("definition workflow: %w", err)
	}
	return nil
}

// Validate checks a replacement workflow when one is given.
func (r *UpdateRequest) Validate() error {
	if r.Name != nil && *r.Name == "" {
		return errors.New("definition name must not be empty")
	}
	if r.Workflow != nil {
		if err := r.Workflow.Validate(); err != nil {
			return fmt.Errorf("definition workflow: %w", err)
		}
	}
	return nil
}

func newDefinition(id string, req *CreateRequest, now time.Time) *Definition {
	return &Definition{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Version:     1,
		Workflow:    req.Workflow,
		Labels:      req.Labels,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   req.CreatedBy,
	}
}

func (d *Definition) apply(req *UpdateRequest, now time.Time) {
	if req.Name != nil {
		d.Name = *req.Name
	}
	if req.Description != nil {
		d.Description = *req.Description
	}
	if req.Workflow != nil {
		d.Workflow = req.Workflow
		d.Version++
	}
	if req.Labels != nil {
		d.Labels = req.Labels
	}
	d.UpdatedAt = now
}

// clone deep-copies d so callers never share the stored workflow.
func clone(d *Definition) (*Definition, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal definition: %w", err)
	}
	var out Definition
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &out, nil
}

// page filters, orders and slices a listing.
func page(defs []*Definition, opts *ListOptions) []*Definition {
	if opts == nil {
		opts = &ListOptions{}
	}
	out := defs[:0]
	for _, d := range defs {
		if opts.CreatedBy != "" && d.CreatedBy != opts.CreatedBy {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*Definition{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}
