package openaiapi

import "time"

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultAPIKeyEnv = "OPENAI_API_KEY"
	defaultTimeout   = 120 * time.Second
)

// Config is OpenAI API client configuration.
type Config struct {
	Model     string
	BaseURL   string
	APIKey    string
	APIKeyEnv string
	Timeout   time.Duration
}

// CompletionRequest is a single OpenAI responses API request. When
// PreviousResponseID is set the request continues that conversation.
type CompletionRequest struct {
	Instructions       string
	Input              string
	PreviousResponseID string
}

// CompletionResponse is a single OpenAI responses API response. ResponseID
// can be fed back as PreviousResponseID to resume the conversation.
type CompletionResponse struct {
	OutputText string
	ResponseID string
}
