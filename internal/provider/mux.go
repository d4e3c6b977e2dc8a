package provider

import (
	"context"
	"fmt"
)

// Agent types served by API backends rather than subprocess CLIs.
const (
	TypeOpenAI    = "openai"
	TypeGeminiAPI = "gemini_api"
)

// Mux routes agent calls to the backend matching each agent's configured
// type: API-backed agents to their SDK clients, everything else to the
// subprocess CLI provider.
type Mux struct {
	byAgent map[string]Provider
}

// BackendBuilder constructs the provider for one group of agent configs.
type BackendBuilder func(agents map[string]AgentConfig) (Provider, error)

// NewMux groups agents by backend and builds one provider per group.
// Builders are supplied by the caller so SDK clients are only constructed
// for agent types actually configured.
func NewMux(agents map[string]AgentConfig, builders map[string]BackendBuilder, defaultBuilder BackendBuilder) (*Mux, error) {
	groups := make(map[string]map[string]AgentConfig)
	for ref, cfg := range agents {
		key := cfg.Type
		if _, ok := builders[key]; !ok {
			key = ""
		}
		if groups[key] == nil {
			groups[key] = make(map[string]AgentConfig)
		}
		groups[key][ref] = cfg
	}

	m := &Mux{byAgent: make(map[string]Provider, len(agents))}
	for key, group := range groups {
		build := defaultBuilder
		if key != "" {
			build = builders[key]
		}
		if build == nil {
			return nil, fmt.Errorf("no backend for agent type %q", key)
		}
		backend, err := build(group)
		if err != nil {
			return nil, err
		}
		for ref := range group {
			m.byAgent[ref] = backend
		}
	}
	return m, nil
}

// Call implements Provider.
func (m *Mux) Call(ctx context.Context, agentRef, prompt string, opts CallOptions) (AgentResponse, error) {
	backend, ok := m.byAgent[agentRef]
	if !ok {
		return AgentResponse{}, fmt.Errorf("unknown agent %q", agentRef)
	}
	return backend.Call(ctx, agentRef, prompt, opts)
}
