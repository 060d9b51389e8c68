// Package dispatch sends outbound messages and drafts AI messages.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/nurture/internal/ai"
	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/pkg/schema"
)

// DefaultContextSize is how many recent messages a drafted message sees.
const DefaultContextSize = 20

// Drafter writes a message from an operator prompt and conversation context.
type Drafter interface {
	Draft(ctx context.Context, prompt string, dc ai.DraftContext) (string, error)
}

// Conversations is the message history plus the lead directory.
type Conversations interface {
	store.ConversationStore
	GetLead(ctx context.Context, id string) (*store.Lead, error)
}

// Dispatcher implements engine.MessageDispatcher. Every delivered message is
// appended to the lead's conversation as outbound.
type Dispatcher struct {
	sender        Sender
	drafter       Drafter
	conversations Conversations
	contextSize   int
	logger        *slog.Logger
}

var _ engine.MessageDispatcher = (*Dispatcher)(nil)

// New creates a Dispatcher. drafter may be nil; AI messages then fail.
func New(sender Sender, drafter Drafter, conversations Conversations, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:        sender,
		drafter:       drafter,
		conversations: conversations,
		contextSize:   DefaultContextSize,
		logger:        logger,
	}
}

// Send delivers text and logs it to the conversation.
func (d *Dispatcher) Send(ctx context.Context, to engine.Recipient, text string) error {
	if to.SenderID == "" {
		return schema.NewError(schema.ErrCodeFatal, "lead has no channel identity")
	}
	if err := d.sender.Send(ctx, to.SenderID, text); err != nil {
		return err
	}
	// Delivery already happened; a logging failure must not trigger a resend.
	if err := d.conversations.AppendMessage(ctx, &store.Message{
		LeadID:    to.LeadID,
		Direction: schema.DirectionOutbound,
		Text:      text,
	}); err != nil {
		d.logger.WarnContext(ctx, "record outbound message", slog.String("error", err.Error()))
	}
	return nil
}

// Generate drafts a message from req.Prompt with the lead's name and recent
// conversation. Empty output is FATAL.
func (d *Dispatcher) Generate(ctx context.Context, req engine.GenerateRequest) (string, error) {
	if d.drafter == nil {
		return "", schema.NewError(schema.ErrCodeFatal, "ai message used but no AI service is configured")
	}

	var dc ai.DraftContext
	lead, err := d.conversations.GetLead(ctx, req.LeadID)
	switch {
	case err == nil:
		dc.LeadName = lead.Name
	case schema.IsCode(err, schema.ErrCodeNotFound):
	default:
		return "", schema.Transient(err, "load lead %q", req.LeadID)
	}

	msgs, err := d.conversations.ListMessages(ctx, store.MessageFilter{LeadID: req.LeadID, Limit: d.contextSize})
	if err != nil {
		return "", schema.Transient(err, "load conversation for lead %q", req.LeadID)
	}
	dc.Transcript = ai.Transcript(msgs)

	text, err := d.drafter.Draft(ctx, req.Prompt, dc)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", schema.NewError(schema.ErrCodeFatal, "model returned an empty message")
	}
	return text, nil
}
