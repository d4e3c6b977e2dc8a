package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedProvider struct{ name string }

func (p *namedProvider) Call(context.Context, string, string, CallOptions) (AgentResponse, error) {
	return AgentResponse{Status: StatusDone, Content: p.name}, nil
}

func TestMuxRoutesByAgentType(t *testing.T) {
	agents := map[string]AgentConfig{
		"planner": {Type: "claude"},
		"judge":   {Type: TypeOpenAI},
	}
	m, err := NewMux(agents, map[string]BackendBuilder{
		TypeOpenAI: func(map[string]AgentConfig) (Provider, error) {
			return &namedProvider{name: "api"}, nil
		},
	}, func(map[string]AgentConfig) (Provider, error) {
		return &namedProvider{name: "cli"}, nil
	})
	require.NoError(t, err)

	resp, err := m.Call(context.Background(), "planner", "go", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cli", resp.Content)

	resp, err = m.Call(context.Background(), "judge", "pick", CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "api", resp.Content)
}

func TestMuxRejectsUnknownAgent(t *testing.T) {
	m, err := NewMux(map[string]AgentConfig{"planner": {Type: "claude"}}, nil,
		func(map[string]AgentConfig) (Provider, error) {
			return &namedProvider{name: "cli"}, nil
		})
	require.NoError(t, err)

	_, err = m.Call(context.Background(), "ghost", "hi", CallOptions{})
	assert.Error(t, err)
}
