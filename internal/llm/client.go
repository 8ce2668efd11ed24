package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Config controls client construction.
type Config struct {
	Mode                string
	BaseURL             string
	APIKey              string
	AnthropicAPIKey     string
	AnthropicBaseURL    string
	HTTPClient          *http.Client
	FallbackToAnthropic bool
}

// NewClient builds the chat-completion client for the configured mode:
// auto, openai, anthropic or mock.
func NewClient(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoClient(cfg)
	case "openai":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("llm base url is required for openai mode")
		}
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.HTTPClient), nil
	case "anthropic":
		c, err := NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.HTTPClient)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

func newAutoClient(cfg Config) (Client, error) {
	var openai, claude Client
	if strings.TrimSpace(cfg.BaseURL) != "" {
		openai = NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.HTTPClient)
	}
	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		c, err := NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.HTTPClient)
		if err != nil {
			return nil, err
		}
		claude = c
	}

	switch {
	case openai != nil && claude != nil && cfg.FallbackToAnthropic:
		return NewFallbackClient(openai, claude), nil
	case openai != nil:
		return openai, nil
	case claude != nil:
		return claude, nil
	default:
		return NewMockClient(), nil
	}
}
