// Package config provides application configuration loading and validation.
package config

import (
	"fmt"

	"github.com/opuskit/opus/internal/provider"
)

// Config is the root configuration, read from .opus/config.json.
type Config struct {
	Agents    map[string]provider.AgentConfig `json:"agents"              mapstructure:"agents"`
	Judge     JudgeConfig                     `json:"judge,omitempty"     mapstructure:"judge"`
	Budgets   Budgets                         `json:"budgets"             mapstructure:"budgets"`
	Retention RetentionPolicy                 `json:"retention,omitempty" mapstructure:"retention"`
	Workspace WorkspaceConfig                 `json:"workspace,omitempty" mapstructure:"workspace"`
}

// JudgeConfig names the agent used for AI-judge calls. When empty, rule
// evaluation relies on tag detection alone.
type JudgeConfig struct {
	Agent string `json:"agent,omitempty" mapstructure:"agent"`
}

// Budgets defines run limits.
type Budgets struct {
	MaxIterations int `json:"max_iterations" mapstructure:"max_iterations"`
}

// RetentionPolicy defines how many old runs to keep.
type RetentionPolicy struct {
	KeepLast int `json:"keep_last,omitempty" mapstructure:"keep_last"`
	KeepDays int `json:"keep_days,omitempty" mapstructure:"keep_days"`
}

// WorkspaceConfig controls per-run git worktree isolation.
type WorkspaceConfig struct {
	UseWorktree bool   `json:"use_worktree,omitempty" mapstructure:"use_worktree"`
	BaseBranch  string `json:"base_branch,omitempty"  mapstructure:"base_branch"`
}

// Validate checks cross-field consistency after unmarshalling.
func (c Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	if c.Budgets.MaxIterations <= 0 {
		return fmt.Errorf("budgets.max_iterations must be > 0")
	}
	if c.Judge.Agent != "" {
		if _, ok := c.Agents[c.Judge.Agent]; !ok {
			return fmt.Errorf("judge.agent %q is not a configured agent", c.Judge.Agent)
		}
	}
	return nil
}
