// Package ai talks to a chat-completions style language-model service.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/nurture/pkg/schema"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	// DefaultTextPath extracts the reply from an OpenAI-compatible response.
	DefaultTextPath        = ".choices[0].message.content"
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseBody = 1 << 20
)

// Config configures a Client.
type Config struct {
	Endpoint    string        `json:"endpoint" validate:"omitempty,url"`
	APIKey      string        `json:"-"`
	Model       string        `json:"model"`
	TextPath    string        `json:"text_path"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
}

// ChatMessage is one turn of a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

// Client calls the model service. Errors are NurtureErrors: network
// failures, 429 and 5xx are TRANSIENT_DEPENDENCY, other 4xx are FATAL.
type Client struct {
	cfg       Config
	http      *http.Client
	extractor *Extractor
	logger    *slog.Logger
}

// NewClient creates a Client. The text path is compiled up front so a bad
// expression fails at startup.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "ai endpoint is required")
	}
	if cfg.TextPath == "" {
		cfg.TextPath = DefaultTextPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	x := NewExtractor()
	if err := x.Compile(cfg.TextPath); err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		extractor: x,
		logger:    logger,
	}, nil
}

// Complete sends messages and returns the extracted reply text.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages, Temperature: c.cfg.Temperature})
	if err != nil {
		return "", schema.Fatal(err, "encode chat request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", schema.Fatal(err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", schema.Transient(err, "model request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return "", schema.Transient(err, "read model response")
	}
	c.logger.DebugContext(ctx, "model call",
		slog.Int("status", resp.StatusCode), slog.Duration("elapsed", time.Since(start)))

	if err := classifyStatus(resp.StatusCode, payload); err != nil {
		return "", err
	}
	text, err := c.extractor.ExtractString(ctx, c.cfg.TextPath, payload)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// classifyStatus maps an HTTP status to the error taxonomy.
func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	snippet := truncate(strings.TrimSpace(string(body)), 200)
	msg := fmt.Sprintf("model service returned %d", code)
	if snippet != "" {
		msg += ": " + snippet
	}
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return schema.NewError(schema.ErrCodeTransient, msg).WithDetails(map[string]any{"status": code})
	}
	return schema.NewError(schema.ErrCodeFatal, msg).WithDetails(map[string]any{"status": code})
}
