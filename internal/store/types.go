package store

import (
	"time"

	"github.com/rendis/nurture/pkg/schema"
)

// Workflow is a stored workflow definition plus its publish metadata.
type Workflow struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	Graph           *schema.Graph `json:"graph"`
	TriggerStageID  string        `json:"trigger_stage_id,omitempty"`
	IsPublished     bool          `json:"is_published"`
	ApplyToExisting bool          `json:"apply_to_existing"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// WorkflowFilter for querying workflows.
type WorkflowFilter struct {
	TriggerStageID string
	Published      *bool
	Limit          int
	Offset         int
}

// Lead is a contact sitting in a pipeline stage.
type Lead struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	SenderID  string    `json:"sender_id"`
	StageID   string    `json:"stage_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry of a lead's conversation.
type Message struct {
	ID        string                  `json:"id"`
	LeadID    string                  `json:"lead_id"`
	Direction schema.MessageDirection `json:"direction"`
	Text      string                  `json:"text"`
	CreatedAt time.Time               `json:"created_at"`
}

// MessageFilter for querying a conversation.
type MessageFilter struct {
	LeadID    string
	Direction schema.MessageDirection
	Since     *time.Time
	// Limit keeps the most recent N messages; results stay chronological.
	Limit int
}

// Execution is the durable state of one lead's progress through one workflow.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	LeadID         string                 `json:"lead_id"`
	SenderID       string                 `json:"sender_id"`
	CurrentNodeID  string                 `json:"current_node_id,omitempty"`
	Status         schema.ExecutionStatus `json:"status"`
	ResumeAt       *time.Time             `json:"resume_at,omitempty"`
	LockedUntil    *time.Time             `json:"locked_until,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	Version        int64                  `json:"version"`
	Manual         bool                   `json:"manual,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	LastAdvancedAt time.Time              `json:"last_advanced_at"`
	StepHistory    []*StepEntry           `json:"step_history,omitempty"`
}

// CreateOptions tunes CreateExecution.
type CreateOptions struct {
	// SkipIfCompleted also treats an earlier completed run of the pair as a duplicate.
	SkipIfCompleted bool
}

// ExecutionUpdate holds the fields to change on an execution. Nil fields are untouched.
type ExecutionUpdate struct {
	Status        *schema.ExecutionStatus
	CurrentNodeID *string
	ResumeAt      *time.Time
	ClearResumeAt bool
	LockedUntil   *time.Time
	RetryCount    *int
	Error         *string
	AdvancedAt    *time.Time
}

// ExecutionFilter for querying executions.
type ExecutionFilter struct {
	WorkflowID string
	LeadID     string
	Status     schema.ExecutionStatus
	Limit      int
	Offset     int
}

// StepEntry is one append-only audit row of an execution's history.
type StepEntry struct {
	ExecutionID string             `json:"execution_id"`
	Sequence    int64              `json:"sequence"`
	NodeID      string             `json:"node_id"`
	Outcome     schema.StepOutcome `json:"outcome"`
	Detail      string             `json:"detail,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// SyncTrigger copies the trigger node's stage and backfill flag onto the workflow row.
func (w *Workflow) SyncTrigger() {
	if w.Graph == nil {
		return
	}
	if n, ok := w.Graph.Trigger(); ok {
		cfg := n.Config.(schema.TriggerConfig)
		w.TriggerStageID = cfg.StageID
		w.ApplyToExisting = cfg.ApplyToExisting
	}
}
