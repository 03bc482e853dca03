package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/agent"
	"github.com/flexinfer/mentatlab/services/taskflow/internal/policy"
)

// Catalog declares the agents, parameter schemas and policy a taskflow
// process starts with. It is read from a YAML file.
//
//	principal: {id: ops, roles: [operator]}
//	permissions:
//	  - {operation: dispatch, resource: "agent/shell/*"}
//	guard: {deny: ["shell:rm"], default_allow: true}
//	agents:
//	  - id: shell
//	    command: ["sh", "-c", "cat"]
//	schemas:
//	  - agent: shell
//	    task_type: run
//	    schema: {type: object, required: [script]}
type Catalog struct {
	Principal   *policy.Principal   `yaml:"principal,omitempty"`
	Permissions []policy.Permission `yaml:"permissions,omitempty"`
	Guard       *policy.PolicyGuard `yaml:"guard,omitempty"`
	Agents      []AgentSpec         `yaml:"agents,omitempty"`
	Schemas     []SchemaSpec        `yaml:"schemas,omitempty"`
}

// AgentSpec declares a subprocess agent.
type AgentSpec struct {
	ID                  string `yaml:"id"`
	AutoRecover         *bool  `yaml:"auto_recover,omitempty"`
	agent.CommandConfig `yaml:",inline"`
}

// SchemaSpec binds a JSON Schema to an agent and task type. The schema is
// given inline as YAML or loaded from File.
type SchemaSpec struct {
	Agent    string                 `yaml:"agent"`
	TaskType string                 `yaml:"task_type"`
	Schema   map[string]interface{} `yaml:"schema,omitempty"`
	File     string                 `yaml:"file,omitempty"`
}

// LoadCatalog reads and validates a catalog file. Environment variables in
// the file are expanded before parsing.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog([]byte(os.ExpandEnv(string(data))))
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ids, commands and guard patterns.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("catalog agent %d: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("catalog agent %q declared twice", a.ID)
		}
		seen[a.ID] = true
		if len(a.Command) == 0 && len(a.Commands) == 0 {
			return fmt.Errorf("catalog agent %q: command or commands is required", a.ID)
		}
	}
	for i, s := range c.Schemas {
		if s.Agent == "" || s.TaskType == "" {
			return fmt.Errorf("catalog schema %d: agent and task_type are required", i)
		}
		if (s.Schema == nil) == (s.File == "") {
			return fmt.Errorf("catalog schema %s/%s: exactly one of schema or file is required", s.Agent, s.TaskType)
		}
	}
	if c.Guard != nil {
		if err := c.Guard.Validate(); err != nil {
			return fmt.Errorf("catalog guard: %w", err)
		}
	}
	if len(c.Permissions) > 0 && c.Principal == nil {
		return fmt.Errorf("catalog permissions need a principal")
	}
	return nil
}

// BuildAgents creates the declared command agents.
func (c *Catalog) BuildAgents(logger *slog.Logger) []agent.Agent {
	out := make([]agent.Agent, 0, len(c.Agents))
	for _, spec := range c.Agents {
		opts := []agent.Option{agent.WithLogger(logger)}
		if spec.AutoRecover != nil {
			opts = append(opts, agent.WithAutoRecover(*spec.AutoRecover))
		}
		out = append(out, agent.NewCommandAgent(spec.ID, spec.CommandConfig, opts...))
	}
	return out
}

// BuildSchemas registers every declared schema.
func (c *Catalog) BuildSchemas() (*policy.SchemaRegistry, error) {
	reg := policy.NewSchemaRegistry()
	for _, s := range c.Schemas {
		var raw []byte
		if s.File != "" {
			data, err := os.ReadFile(s.File)
			if err != nil {
				return nil, fmt.Errorf("schema %s/%s: %w", s.Agent, s.TaskType, err)
			}
			raw = data
		} else {
			data, err := json.Marshal(s.Schema)
			if err != nil {
				return nil, fmt.Errorf("schema %s/%s: %w", s.Agent, s.TaskType, err)
			}
			raw = data
		}
		if err := reg.Register(s.Agent, s.TaskType, raw); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// BuildSecurity returns the security context, or nil when the catalog
// declares no principal.
func (c *Catalog) BuildSecurity(audit *policy.AuditLog) (*policy.SecurityContext, error) {
	if c.Principal == nil {
		return nil, nil
	}
	return policy.NewSecurityContext(*c.Principal, c.Permissions, audit)
}

// BuildGate assembles the policy gate from the catalog.
func (c *Catalog) BuildGate(audit *policy.AuditLog, logger *slog.Logger) (*policy.Gate, error) {
	schemas, err := c.BuildSchemas()
	if err != nil {
		return nil, err
	}
	security, err := c.BuildSecurity(audit)
	if err != nil {
		return nil, err
	}
	return policy.NewGate(schemas, c.Guard, security, logger), nil
}
