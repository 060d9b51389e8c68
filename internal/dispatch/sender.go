package dispatch

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

const (
	defaultSendTimeout = 15 * time.Second
	maxErrorBody       = 4 << 10
)

// Sender delivers text to a channel identity.
type Sender interface {
	Send(ctx context.Context, senderID, text string) error
}

// HTTPSenderConfig configures HTTPSender.
type HTTPSenderConfig struct {
	URL     string        `json:"url" validate:"omitempty,url"`
	Token   string        `json:"-"`
	Timeout time.Duration `json:"timeout"`
}

// HTTPSender posts messages to a channel gateway in the Messenger send shape:
// {"recipient":{"id":...},"message":{"text":...}}.
type HTTPSender struct {
	cfg    HTTPSenderConfig
	http   *http.Client
	logger *slog.Logger
}

var _ Sender = (*HTTPSender)(nil)

// NewHTTPSender creates an HTTPSender.
func NewHTTPSender(cfg HTTPSenderConfig, logger *slog.Logger) (*HTTPSender, error) {
	if cfg.URL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "send url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	return &HTTPSender{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}, nil
}

type sendPayload struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	MessagingType string `json:"messaging_type"`
}

// Send implements Sender. 429, 5xx and network failures are
// TRANSIENT_DEPENDENCY; other non-2xx responses are FATAL.
func (s *HTTPSender) Send(ctx context.Context, senderID, text string) error {
	var p sendPayload
	p.Recipient.ID = senderID
	p.Message.Text = text
	p.MessagingType = "MESSAGE_TAG"
	body, err := json.Marshal(p)
	if err != nil {
		return schema.Fatal(err, "encode send payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return schema.Fatal(err, "build send request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return schema.Transient(err, "send request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("channel returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	s.logger.DebugContext(ctx, "send rejected", slog.Int("status", resp.StatusCode))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return schema.NewError(schema.ErrCodeTransient, msg).WithDetails(map[string]any{"status": resp.StatusCode})
	}
	return schema.NewError(schema.ErrCodeFatal, msg).WithDetails(map[string]any{"status": resp.StatusCode})
}
