// Package provider implements an OpenAI-compatible chat completion client
// used by the entry processor and the character pipeline.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/lore"
	"github.com/creeklabs/loreforge/internal/metrics"
)

// Config configures the Client.
type Config struct {
	BaseURL string
	APIKey  string
	// Model is the default used when a request leaves Model empty.
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client talks to a chat-completions endpoint at {BaseURL}/chat/completions.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("provider"),
	}
}

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []lore.Message `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete performs one chat completion call. Network failures, timeouts,
// HTTP 429 and 5xx map to a transient ProviderError; other non-2xx statuses
// are permanent.
func (c *Client) Complete(ctx context.Context, req lore.CompletionRequest) (lore.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return lore.CompletionResponse{}, fmt.Errorf("marshal completion request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return lore.CompletionResponse{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		metrics.ObserveProviderCall(model, true, latency)
		return lore.CompletionResponse{}, &lore.ProviderError{
			Message:   err.Error(),
			Transient: true,
			Err:       err,
		}
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		metrics.ObserveProviderCall(model, true, latency)
		return lore.CompletionResponse{}, &lore.ProviderError{
			Message:   "read response body: " + err.Error(),
			Transient: true,
			Err:       err,
		}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		metrics.ObserveProviderCall(model, true, latency)
		perr := &lore.ProviderError{
			StatusCode: httpResp.StatusCode,
			Message:    errorMessage(raw),
			Transient:  httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500,
		}
		c.logger.Warn("completion request rejected",
			zap.String("model", model),
			zap.Int("status", httpResp.StatusCode),
			zap.Bool("transient", perr.Transient))
		return lore.CompletionResponse{}, perr
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		metrics.ObserveProviderCall(model, true, latency)
		return lore.CompletionResponse{}, &lore.ProviderError{
			StatusCode: httpResp.StatusCode,
			Message:    "decode response: " + err.Error(),
			Err:        err,
		}
	}
	if len(parsed.Choices) == 0 {
		metrics.ObserveProviderCall(model, true, latency)
		return lore.CompletionResponse{}, &lore.ProviderError{
			StatusCode: httpResp.StatusCode,
			Message:    "response contained no choices",
		}
	}

	metrics.ObserveProviderCall(model, false, latency)
	c.logger.Debug("completion succeeded",
		zap.String("model", model),
		zap.Duration("latency", latency),
		zap.Int("prompt_tokens", parsed.Usage.PromptTokens),
		zap.Int("completion_tokens", parsed.Usage.CompletionTokens))

	return lore.CompletionResponse{
		Content:          parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Latency:          latency,
	}, nil
}

func errorMessage(raw []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = "no response body"
	}
	return msg
}

var _ lore.Provider = (*Client)(nil)

// IsFatal reports whether err is a provider error that retrying cannot fix.
func IsFatal(err error) bool {
	var pe *lore.ProviderError
	return errors.As(err, &pe) && !pe.Transient
}
