package definitions

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	}
	if url := os.Getenv("TASKFLOW_TEST_REDIS"); url != "" {
		factories["redis"] = func(t *testing.T) Store {
			s, err := NewRedisStore(url, "taskflow-test-"+uuid.NewString()[:8], nil)
			if err != nil {
				t.Fatalf("NewRedisStore failed: %v", err)
			}
			return s
		}
	}
	return factories
}

func workflow(ids ...string) *types.WorkflowDefinition {
	def := &types.WorkflowDefinition{Name: "wf"}
	for i, id := range ids {
		node := types.TaskNode{ID: id, AgentID: "worker", TaskType: "run"}
		if i > 0 {
			node.Dependencies = []string{ids[i-1]}
		}
		def.Tasks = append(def.Tasks, node)
	}
	return def
}

func TestStore_Create(t *testing.T) {
	for name, factory := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			t.Run("creates new definition", func(t *testing.T) {
				def, err := store.Create(ctx, &CreateRequest{Name: "Build", Workflow: workflow("a", "b")})
				if err != nil {
					t.Fatalf("Create failed: %v", err)
				}
				if def.ID == "" {
					t.Error("expected ID to be generated")
				}
				if def.Version != 1 {
					t.Errorf("expected version 1, got %d", def.Version)
				}
				if def.CreatedAt.IsZero() || def.UpdatedAt.IsZero() {
					t.Error("timestamps should be set")
				}
				if len(def.Workflow.Tasks) != 2 {
					t.Errorf("expected 2 tasks, got %d", len(def.Workflow.Tasks))
				}
			})

			t.Run("returns error for duplicate ID", func(t *testing.T) {
				req := &CreateRequest{ID: "dup", Name: "Dup", Workflow: workflow("a")}
				if _, err := store.Create(ctx, req); err != nil {
					t.Fatalf("first create failed: %v", err)
				}
				if _, err := store.Create(ctx, req); !errors.Is(err, ErrDefinitionExists) {
					t.Errorf("expected ErrDefinitionExists, got %v", err)
				}
			})

			t.Run("validates request", func(t *testing.T) {
				cyclic := &types.WorkflowDefinition{Tasks: []types.TaskNode{
					{ID: "a", AgentID: "w", TaskType: "run", Dependencies: []string{"b"}},
					{ID: "b", AgentID: "w", TaskType: "run", Dependencies: []string{"a"}},
				}}
				tests := []struct {
					name string
					req  *CreateRequest
				}{
					{"missing name", &CreateRequest{Workflow: workflow("a")}},
					{"missing workflow", &CreateRequest{Name: "x"}},
					{"cyclic workflow", &CreateRequest{Name: "x", Workflow: cyclic}},
				}
				for _, tt := range tests {
					t.Run(tt.name, func(t *testing.T) {
						if _, err := store.Create(ctx, tt.req); err == nil {
							t.Error("expected validation error")
						}
					})
				}
			})
		})
	}
}

func TestStore_GetUpdateDelete(t *testing.T) {
	for name, factory := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			if _, err := store.Create(ctx, &CreateRequest{ID: "etl", Name: "ETL", Description: "original", Workflow: workflow("a")}); err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			t.Run("get returns a private copy", func(t *testing.T) {
				def, err := store.Get(ctx, "etl")
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				def.Workflow.Tasks[0].AgentID = "mutated"

				again, _ := store.Get(ctx, "etl")
				if again.Workflow.Tasks[0].AgentID != "worker" {
					t.Error("stored definition was mutated through a returned copy")
				}
			})

			t.Run("update metadata keeps version", func(t *testing.T) {
				desc := "updated"
				def, err := store.Update(ctx, "etl", &UpdateRequest{Description: &desc})
				if err != nil {
					t.Fatalf("Update failed: %v", err)
				}
				if def.Description != desc || def.Version != 1 {
					t.Errorf("got description %q version %d", def.Description, def.Version)
				}
			})

			t.Run("update workflow bumps version", func(t *testing.T) {
				def, err := store.Update(ctx, "etl", &UpdateRequest{Workflow: workflow("a", "b", "c")})
				if err != nil {
					t.Fatalf("Update failed: %v", err)
				}
				if def.Version != 2 {
					t.Errorf("expected version 2, got %d", def.Version)
				}
				if len(def.Workflow.Tasks) != 3 {
					t.Errorf("expected 3 tasks, got %d", len(def.Workflow.Tasks))
				}
			})

			t.Run("rejects invalid update", func(t *testing.T) {
				empty := ""
				if _, err := store.Update(ctx, "etl", &UpdateRequest{Name: &empty}); err == nil {
					t.Error("expected validation error")
				}
			})

			t.Run("unknown ids", func(t *testing.T) {
				if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrDefinitionNotFound) {
					t.Errorf("Get: expected ErrDefinitionNotFound, got %v", err)
				}
				if _, err := store.Update(ctx, "missing", &UpdateRequest{}); !errors.Is(err, ErrDefinitionNotFound) {
					t.Errorf("Update: expected ErrDefinitionNotFound, got %v", err)
				}
				if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrDefinitionNotFound) {
					t.Errorf("Delete: expected ErrDefinitionNotFound, got %v", err)
				}
			})

			t.Run("delete", func(t *testing.T) {
				if err := store.Delete(ctx, "etl"); err != nil {
					t.Fatalf("Delete failed: %v", err)
				}
				if _, err := store.Get(ctx, "etl"); !errors.Is(err, ErrDefinitionNotFound) {
					t.Error("definition should be deleted")
				}
			})
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, factory := range stores(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			for _, req := range []CreateRequest{
				{ID: "d3", Name: "Three", Workflow: workflow("a"), CreatedBy: "alice"},
				{ID: "d1", Name: "One", Workflow: workflow("a"), CreatedBy: "bob"},
				{ID: "d2", Name: "Two", Workflow: workflow("a"), CreatedBy: "alice"},
			} {
				req := req
				if _, err := store.Create(ctx, &req); err != nil {
					t.Fatalf("Create failed: %v", err)
				}
			}

			tests := []struct {
				name string
				opts *ListOptions
				want []string
			}{
				{"all ordered by id", nil, []string{"d1", "d2", "d3"}},
				{"filters by creator", &ListOptions{CreatedBy: "alice"}, []string{"d2", "d3"}},
				{"limit", &ListOptions{Limit: 2}, []string{"d1", "d2"}},
				{"offset", &ListOptions{Offset: 1}, []string{"d2", "d3"}},
				{"offset past end", &ListOptions{Offset: 5}, []string{}},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					list, err := store.List(ctx, tt.opts)
					if err != nil {
						t.Fatalf("List failed: %v", err)
					}
					got := make([]string, 0, len(list))
					for _, d := range list {
						got = append(got, d.ID)
					}
					if len(got) != len(tt.want) {
						t.Fatalf("expected %v, got %v", tt.want, got)
					}
					for i := range got {
						if got[i] != tt.want[i] {
							t.Errorf("expected %v, got %v", tt.want, got)
							break
						}
					}
				})
			}
		})
	}
}
