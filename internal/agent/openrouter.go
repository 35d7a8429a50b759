package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anrak-dev/anrak/internal/session"
)

const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter calls the OpenRouter chat-completions API (OpenAI-compatible).
type OpenRouter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	referer string
	title   string
}

func NewOpenRouter(apiKey, baseURL string) *OpenRouter {
	if baseURL == "" {
		baseURL = DefaultOpenRouterBaseURL
	}
	return &OpenRouter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		referer: "https://anrak.app",
		title:   "ANRAK Arena",
	}
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *OpenRouter) Generate(ctx context.Context, cfg session.AgentConfig, history []Turn) (string, error) {
	if o.apiKey == "" {
		return "", fmt.Errorf("openrouter: api key not configured")
	}

	messages := make([]Turn, 0, len(history)+1)
	if cfg.SystemInstructions != "" {
		messages = append(messages, Turn{Role: "system", Content: cfg.SystemInstructions})
	}
	messages = append(messages, history...)

	body, err := json.Marshal(chatRequest{Model: cfg.Model, Messages: messages})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", o.referer)
	req.Header.Set("X-Title", o.title)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openrouter: unexpected status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", fmt.Errorf("openrouter: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openrouter: empty response for model %s", cfg.Model)
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("openrouter: blank completion for model %s", cfg.Model)
	}
	return content, nil
}
