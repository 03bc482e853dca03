package policy

import (
	"fmt"
	"path"
	"strings"
)

// Decision is the result of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// PolicyGuard is a static allow/deny list over agents and task types.
// Entries are "agent" or "agent:task_type" glob patterns split at the first
// ':'. Globs follow path.Match, so '*' never crosses '/'; workflow
// definitions reject agent ids holding ':' or '/' and task types holding
// '/'. Deny wins over allow; when neither matches, DefaultAllow decides.
type PolicyGuard struct {
	Allow        []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny         []string `json:"deny,omitempty" yaml:"deny,omitempty"`
	DefaultAllow bool     `json:"default_allow" yaml:"default_allow"`
}

// Validate reports malformed patterns.
func (g *PolicyGuard) Validate() error {
	for _, list := range [][]string{g.Allow, g.Deny} {
		for _, p := range list {
			agent, task := splitPattern(p)
			if agent == "" {
				return fmt.Errorf("guard pattern %q: empty agent", p)
			}
			if _, err := path.Match(agent, ""); err != nil {
				return fmt.Errorf("guard pattern %q: %w", p, err)
			}
			if _, err := path.Match(task, ""); err != nil {
				return fmt.Errorf("guard pattern %q: %w", p, err)
			}
		}
	}
	return nil
}

// Check decides whether the agent may run the task type.
func (g *PolicyGuard) Check(agentID, taskType string) Decision {
	if g == nil {
		return allow("no guard configured")
	}
	if p, ok := firstMatch(g.Deny, agentID, taskType); ok {
		return deny(fmt.Sprintf("%s:%s matches deny rule %q", agentID, taskType, p))
	}
	if p, ok := firstMatch(g.Allow, agentID, taskType); ok {
		return allow(fmt.Sprintf("matches allow rule %q", p))
	}
	if g.DefaultAllow {
		return allow("default allow")
	}
	return deny(fmt.Sprintf("%s:%s is not on the allow list", agentID, taskType))
}

func splitPattern(p string) (agent, task string) {
	agent, task, found := strings.Cut(p, ":")
	if !found {
		task = "*"
	}
	return agent, task
}

func firstMatch(patterns []string, agentID, taskType string) (string, bool) {
	for _, p := range patterns {
		agent, task := splitPattern(p)
		if ok, _ := path.Match(agent, agentID); !ok {
			continue
		}
		if ok, _ := path.Match(task, taskType); ok {
			return p, true
		}
	}
	return "", false
}
