package engine

import (
	"context"
	"time"

	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/pkg/schema"
)

// Store is the persistence the engine needs: read-only workflow access plus
// the execution record store it owns.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	store.ExecutionStore
}

// ConditionRequest describes one smart_condition evaluation.
type ConditionRequest struct {
	Condition   schema.ConditionType
	Rule        string
	LeadID      string
	WorkflowID  string
	ExecutionID string
	// Since scopes conversation-based conditions to messages after execution start.
	Since time.Time
}

// ConditionEvaluator decides smart_condition branches. Errors classified as
// retryable leave the record running for a later attempt; any other error
// fails it.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, req ConditionRequest) (bool, error)
}

// Recipient identifies where an outbound message goes.
type Recipient struct {
	LeadID   string `json:"lead_id"`
	SenderID string `json:"sender_id"`
}

// GenerateRequest asks the dispatcher to draft a message from a prompt.
type GenerateRequest struct {
	Prompt      string
	LeadID      string
	WorkflowID  string
	ExecutionID string
}

// MessageDispatcher delivers outbound messages and drafts AI messages.
type MessageDispatcher interface {
	Send(ctx context.Context, to Recipient, text string) error
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}
