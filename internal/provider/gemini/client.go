// Package gemini runs agent prompts through the Gemini API.
package gemini

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	genai "google.golang.org/genai"

	"github.com/opuskit/opus/internal/provider"
)

const defaultModel = "gemini-2.0-flash"

// Client is a thin wrapper around the official genai client. The Gemini API
// has no server-side conversation resume, so Client keeps the accumulated
// contents of each session in memory keyed by a generated session id.
type Client struct {
	cli    *genai.Client
	agents map[string]provider.AgentConfig

	mu       sync.Mutex
	sessions map[string][]*genai.Content
}

// New constructs a Gemini provider for the configured agent personas.
// The API key comes from aggregate config or the GEMINI_API_KEY env var.
func New(ctx context.Context, agents map[string]provider.AgentConfig) (*Client, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	for _, cfg := range agents {
		if cfg.APIKey != "" {
			apiKey = cfg.APIKey
		} else if cfg.APIKeyEnv != "" {
			if v := os.Getenv(cfg.APIKeyEnv); v != "" {
				apiKey = v
			}
		}
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{
		cli:      cli,
		agents:   agents,
		sessions: make(map[string][]*genai.Content),
	}, nil
}

// Call implements provider.Provider.
func (c *Client) Call(ctx context.Context, agentRef, prompt string, opts provider.CallOptions) (provider.AgentResponse, error) {
	cfg, ok := c.agents[agentRef]
	if !ok {
		return provider.AgentResponse{}, fmt.Errorf("unknown agent %q", agentRef)
	}
	model := cfg.Model
	if opts.Model != "" {
		model = opts.Model
	}
	if model == "" {
		model = defaultModel
	}

	sessionID := opts.SessionID
	c.mu.Lock()
	if sessionID == "" {
		id, err := randomSessionID()
		if err != nil {
			c.mu.Unlock()
			return provider.AgentResponse{}, err
		}
		sessionID = id
	}
	history := append([]*genai.Content(nil), c.sessions[sessionID]...)
	c.mu.Unlock()

	contents := append(history, genai.NewContentFromText(prompt, genai.RoleUser))

	log.Debug().
		Str("agent", agentRef).
		Str("model", model).
		Str("session_id", sessionID).
		Int("history_turns", len(history)).
		Msg("gemini request")

	resp := provider.AgentResponse{Timestamp: time.Now().UTC(), SessionID: sessionID}

	out, err := c.cli.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		resp.Status = provider.StatusError
		resp.Error = err.Error()
		return resp, nil
	}
	if len(out.Candidates) == 0 || out.Candidates[0].Content == nil || len(out.Candidates[0].Content.Parts) == 0 {
		resp.Status = provider.StatusError
		resp.Error = "gemini returned no candidates"
		return resp, nil
	}

	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	resp.Content = text.String()
	resp.Status = provider.StatusDone
	if strings.Contains(resp.Content, provider.BlockedMarker) {
		resp.Status = provider.StatusBlocked
	}

	c.mu.Lock()
	c.sessions[sessionID] = append(contents, out.Candidates[0].Content)
	c.mu.Unlock()

	return resp, nil
}

func randomSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return fmt.Sprintf("gem-%x", b), nil
}
