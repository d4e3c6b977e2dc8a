package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// BlockedMarker is the structural marker a CLI agent emits when it cannot
// proceed without human input. Everything after the marker on the same line
// is treated as the prompt to show the user.
const BlockedMarker = "[AWAITING_INPUT]"

// AgentConfig describes how to invoke one agent persona.
type AgentConfig struct {
	Type  string   `json:"type"              mapstructure:"type"`
	Cmd   []string `json:"cmd,omitempty"     mapstructure:"cmd"`
	Model string   `json:"model,omitempty"   mapstructure:"model"`

	// API backends only.
	BaseURL   string `json:"base_url,omitempty"    mapstructure:"base_url"`
	APIKey    string `json:"api_key,omitempty"     mapstructure:"api_key"`
	APIKeyEnv string `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	Timeout   int    `json:"timeout,omitempty"     mapstructure:"timeout"`
}

type agentSpec struct {
	defaultSubcommand string
	extraFlags        []string
	editFlags         []string
	sessionFlag       string
	resumeFlag        string
}

var agentSpecs = map[string]agentSpec{
	"codex": {
		defaultSubcommand: "exec",
		extraFlags:        []string{"--skip-git-repo-check"},
		editFlags:         []string{"--full-auto"},
		resumeFlag:        "resume",
	},
	"opencode": {
		defaultSubcommand: "run",
		sessionFlag:       "--session",
		resumeFlag:        "--session",
	},
	"gemini": {
		extraFlags: []string{"--output-format", "text"},
		editFlags:  []string{"--approval-mode", "yolo"},
	},
	"claude": {
		extraFlags:  []string{"--output-format", "text", "--print"},
		editFlags:   []string{"--dangerously-skip-permissions"},
		sessionFlag: "--session-id",
		resumeFlag:  "--resume",
	},
}

// CLI runs agents as subprocess CLI tools (claude, codex, gemini, opencode,
// or a raw exec command), mapping each agentRef through its configuration.
type CLI struct {
	agents   map[string]AgentConfig
	repoRoot string
}

// NewCLI constructs a CLI provider for the configured agent personas.
func NewCLI(agents map[string]AgentConfig, repoRoot string) (*CLI, error) {
	for ref, cfg := range agents {
		if cfg.Type == "exec" {
			if len(cfg.Cmd) == 0 {
				return nil, fmt.Errorf("agent %q: exec agent requires cmd", ref)
			}
			continue
		}
		if _, ok := agentSpecs[cfg.Type]; !ok {
			return nil, fmt.Errorf("agent %q: unknown agent type %q", ref, cfg.Type)
		}
	}
	return &CLI{agents: agents, repoRoot: repoRoot}, nil
}

// Call implements Provider.
func (c *CLI) Call(ctx context.Context, agentRef, prompt string, opts CallOptions) (AgentResponse, error) {
	cfg, ok := c.agents[agentRef]
	if !ok {
		return AgentResponse{}, fmt.Errorf("unknown agent %q", agentRef)
	}

	sessionID := opts.SessionID
	argv, sessionID, err := buildArgv(cfg, opts, sessionID)
	if err != nil {
		return AgentResponse{}, fmt.Errorf("agent %q: %w", agentRef, err)
	}
	argv = append(argv, prompt)

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = c.repoRoot
	}

	log.Debug().
		Str("agent", agentRef).
		Str("type", cfg.Type).
		Str("work_dir", workDir).
		Str("session_id", sessionID).
		Msg("agent call start")

	started := time.Now().UTC()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	content := strings.TrimSpace(stdout.String())

	event := log.Debug().
		Str("agent", agentRef).
		Dur("duration", time.Since(started))
	if runErr != nil {
		event = event.Err(runErr)
	}
	event.Msg("agent call finished")

	resp := AgentResponse{
		Status:    StatusDone,
		Content:   content,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}

	if ctx.Err() != nil {
		resp.Status = StatusError
		resp.Error = ctx.Err().Error()
		return resp, nil
	}
	if runErr != nil {
		resp.Status = StatusError
		resp.Error = strings.TrimSpace(stderr.String())
		if resp.Error == "" {
			resp.Error = runErr.Error()
		}
		return resp, nil
	}
	if strings.Contains(content, BlockedMarker) {
		resp.Status = StatusBlocked
	}
	return resp, nil
}

func buildArgv(cfg AgentConfig, opts CallOptions, sessionID string) ([]string, string, error) {
	if cfg.Type == "exec" {
		return append([]string{}, cfg.Cmd...), "", nil
	}

	spec := agentSpecs[cfg.Type]
	argv := []string{cfg.Type}

	if sessionID != "" && spec.resumeFlag != "" {
		argv = append(argv, spec.resumeFlag, sessionID)
	} else {
		if spec.defaultSubcommand != "" {
			argv = append(argv, spec.defaultSubcommand)
		}
		if spec.sessionFlag != "" {
			id, err := newSessionID()
			if err != nil {
				return nil, "", err
			}
			sessionID = id
			argv = append(argv, spec.sessionFlag, sessionID)
		}
	}

	if cfg.Model != "" {
		argv = append(argv, "--model", cfg.Model)
	}
	argv = append(argv, spec.extraFlags...)
	if opts.Edit {
		argv = append(argv, spec.editFlags...)
	}
	for _, tool := range opts.AllowedTools {
		argv = append(argv, "--allowed-tools", tool)
	}
	return argv, sessionID, nil
}

// BlockedPrompt extracts the user-facing prompt from blocked agent content.
func BlockedPrompt(content string) string {
	idx := strings.Index(content, BlockedMarker)
	if idx < 0 {
		return strings.TrimSpace(content)
	}
	rest := content[idx+len(BlockedMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	prompt := strings.TrimSpace(rest)
	if prompt == "" {
		prompt = "agent is waiting for input"
	}
	return prompt
}

func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	// UUIDv4 layout; claude requires a well-formed UUID session id.
	buf[6] = (buf[6] & 0x0f) | 0x40
	buf[8] = (buf[8] & 0x3f) | 0x80
	h := hex.EncodeToString(buf)
	return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32]), nil
}
