// Package piece defines the declarative pipeline model: a piece is an
// ordered set of named movements, each with transition rules, optional
// parallel sub-movements, report contracts, and loop monitors.
package piece

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sentinel rule targets that terminate a piece run.
const (
	NextComplete = "COMPLETE"
	NextAbort    = "ABORT"
)

// AggregateType selects how an aggregate rule combines parallel child results.
type AggregateType string

const (
	AggregateAll AggregateType = "all"
	AggregateAny AggregateType = "any"
)

// Piece is the root pipeline definition. Immutable once a run starts.
type Piece struct {
	Name          string     `yaml:"name"`
	Description   string     `yaml:"description,omitempty"`
	Start         string     `yaml:"start,omitempty"`
	MaxIterations int        `yaml:"max_iterations,omitempty"`
	Movements     []Movement `yaml:"movements"`
}

// Movement is one named unit of work mapped to a single agent invocation.
type Movement struct {
	Name                 string        `yaml:"name"`
	Agent                string        `yaml:"agent"`
	Instruction          string        `yaml:"instruction,omitempty"`
	PassPreviousResponse bool          `yaml:"pass_previous_response,omitempty"`
	Edit                 bool          `yaml:"edit,omitempty"`
	Rules                []Rule        `yaml:"rules"`
	Parallel             []Movement    `yaml:"parallel,omitempty"`
	Reports              []string      `yaml:"reports,omitempty"`
	LoopMonitors         []LoopMonitor `yaml:"loop_monitors,omitempty"`
}

// IsParallel reports whether the movement fans out into sub-movements.
func (m *Movement) IsParallel() bool {
	return len(m.Parallel) > 0
}

// Rule is one condition-to-next transition option attached to a movement.
type Rule struct {
	Condition string `yaml:"condition"`
	Next      string `yaml:"next"`

	// AI-judge rules are evaluated by an external judge instead of tag matching.
	AI          bool   `yaml:"ai,omitempty"`
	AICondition string `yaml:"ai_condition,omitempty"`

	// Aggregate rules combine parallel child results; valid only on a parent
	// movement with parallel sub-movements.
	Aggregate          bool          `yaml:"aggregate,omitempty"`
	AggregateType      AggregateType `yaml:"aggregate_type,omitempty"`
	AggregateCondition string        `yaml:"aggregate_condition,omitempty"`
}

// LoopMonitor watches for a repeated movement subsequence.
type LoopMonitor struct {
	Cycle     []string `yaml:"cycle"`
	Threshold int      `yaml:"threshold"`
}

// Movement returns the movement with the given name, searching parallel
// children as well, or nil when absent.
func (p *Piece) Movement(name string) *Movement {
	for i := range p.Movements {
		if p.Movements[i].Name == name {
			return &p.Movements[i]
		}
		for j := range p.Movements[i].Parallel {
			if p.Movements[i].Parallel[j].Name == name {
				return &p.Movements[i].Parallel[j]
			}
		}
	}
	return nil
}

// StartMovement resolves the entry movement: the explicit start name when
// set, otherwise the first declared movement.
func (p *Piece) StartMovement() string {
	if p.Start != "" {
		return p.Start
	}
	if len(p.Movements) > 0 {
		return p.Movements[0].Name
	}
	return ""
}

// Load reads, parses, and validates a piece definition file.
func Load(path string) (*Piece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read piece: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates a YAML piece definition.
func Parse(data []byte) (*Piece, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse piece yaml: %w", err)
	}
	if err := ValidateDefinition(raw); err != nil {
		return nil, err
	}

	var p Piece
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse piece yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate applies the semantic checks the JSON schema cannot express.
func (p *Piece) Validate() error {
	if len(p.Movements) == 0 {
		return fmt.Errorf("piece %q has no movements", p.Name)
	}

	names := map[string]bool{}
	collect := func(m *Movement) error {
		if m.Name == "" {
			return fmt.Errorf("piece %q has a movement without a name", p.Name)
		}
		if names[m.Name] {
			return fmt.Errorf("duplicate movement name %q", m.Name)
		}
		names[m.Name] = true
		return nil
	}
	for i := range p.Movements {
		if err := collect(&p.Movements[i]); err != nil {
			return err
		}
		for j := range p.Movements[i].Parallel {
			child := &p.Movements[i].Parallel[j]
			if err := collect(child); err != nil {
				return err
			}
			if child.IsParallel() {
				return fmt.Errorf("movement %q: parallel movements cannot nest", child.Name)
			}
		}
	}

	if p.Start != "" && !names[p.Start] {
		return fmt.Errorf("start movement %q not defined", p.Start)
	}

	for i := range p.Movements {
		if err := p.validateMovement(&p.Movements[i], names); err != nil {
			return err
		}
		for j := range p.Movements[i].Parallel {
			if err := p.validateMovement(&p.Movements[i].Parallel[j], names); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Piece) validateMovement(m *Movement, names map[string]bool) error {
	if len(m.Rules) == 0 {
		return fmt.Errorf("movement %q has no rules", m.Name)
	}
	for i, r := range m.Rules {
		if r.Next == "" {
			return fmt.Errorf("movement %q rule %d: next is required", m.Name, i)
		}
		if r.Next != NextComplete && r.Next != NextAbort && !names[r.Next] {
			return fmt.Errorf("movement %q rule %d: next %q not defined", m.Name, i, r.Next)
		}
		if r.Aggregate {
			if !m.IsParallel() {
				return fmt.Errorf("movement %q rule %d: aggregate rule requires parallel sub-movements", m.Name, i)
			}
			if r.AggregateType != AggregateAll && r.AggregateType != AggregateAny {
				return fmt.Errorf("movement %q rule %d: aggregate_type must be all or any", m.Name, i)
			}
			if r.AggregateCondition == "" {
				return fmt.Errorf("movement %q rule %d: aggregate_condition is required", m.Name, i)
			}
		}
		if r.AI && r.AICondition == "" && r.Condition == "" {
			return fmt.Errorf("movement %q rule %d: ai rule needs ai_condition or condition text", m.Name, i)
		}
	}
	if m.IsParallel() {
		for i, r := range m.Rules {
			if !r.Aggregate {
				return fmt.Errorf("movement %q rule %d: parallel parent rules must be aggregate", m.Name, i)
			}
		}
	}
	for _, lm := range m.LoopMonitors {
		if len(lm.Cycle) == 0 {
			return fmt.Errorf("movement %q: loop monitor cycle is empty", m.Name)
		}
		if lm.Threshold < 1 {
			return fmt.Errorf("movement %q: loop monitor threshold must be >= 1", m.Name)
		}
		for _, step := range lm.Cycle {
			if !names[step] {
				return fmt.Errorf("movement %q: loop monitor references unknown movement %q", m.Name, step)
			}
		}
	}
	return nil
}
