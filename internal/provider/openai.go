package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opuskit/opus/internal/provider/openaiapi"
)

// OpenAI runs agents through the OpenAI responses API. Sessions map onto
// response ids: the previous response id is passed back to continue a
// conversation, so the returned SessionID always points at the latest turn.
type OpenAI struct {
	clients map[string]*openaiapi.Client
}

// NewOpenAI constructs an OpenAI provider for the configured agent personas.
func NewOpenAI(agents map[string]AgentConfig) (*OpenAI, error) {
	clients := make(map[string]*openaiapi.Client, len(agents))
	for ref, cfg := range agents {
		client, err := openaiapi.NewClient(openaiapi.Config{
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			APIKeyEnv: cfg.APIKeyEnv,
			Timeout:   time.Duration(cfg.Timeout) * time.Second,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ref, err)
		}
		clients[ref] = client
	}
	return &OpenAI{clients: clients}, nil
}

// Call implements Provider.
func (p *OpenAI) Call(ctx context.Context, agentRef, prompt string, opts CallOptions) (AgentResponse, error) {
	client, ok := p.clients[agentRef]
	if !ok {
		return AgentResponse{}, fmt.Errorf("unknown agent %q", agentRef)
	}

	out, err := client.Complete(ctx, openaiapi.CompletionRequest{
		Instructions:       "You are an automation agent. Follow the instruction exactly.",
		Input:              prompt,
		PreviousResponseID: opts.SessionID,
	})
	resp := AgentResponse{Timestamp: time.Now().UTC()}
	if err != nil {
		resp.Status = StatusError
		resp.Error = err.Error()
		return resp, nil
	}

	resp.Status = StatusDone
	resp.Content = out.OutputText
	resp.SessionID = out.ResponseID
	if strings.Contains(out.OutputText, BlockedMarker) {
		resp.Status = StatusBlocked
	}
	return resp, nil
}
