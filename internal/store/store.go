package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	ExecutionStore
	ConversationStore

	// Leads
	UpsertLead(ctx context.Context, lead *Lead) error
	GetLead(ctx context.Context, id string) (*Lead, error)
	ListLeadsInStage(ctx context.Context, stageID string) ([]*Lead, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WorkflowStore holds workflow definitions and their publish state.
type WorkflowStore interface {
	// SaveWorkflow inserts or updates a definition. Updating a published
	// workflow fails with CONFLICT.
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	// SetPublished flips the publish flag and returns the previous value.
	SetPublished(ctx context.Context, id string, published bool) (bool, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionStore is the durable source of truth for execution records.
type ExecutionStore interface {
	// CreateExecution inserts rec unless a running or waiting record already
	// exists for its (workflow, lead) pair. It reports whether rec was inserted.
	CreateExecution(ctx context.Context, rec *Execution, opts CreateOptions) (bool, error)
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// ListDueExecutions returns waiting records whose resume time has passed and
	// running records whose lease has expired.
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*Execution, error)
	// ClaimExecution atomically takes ownership of a due record until now+lease.
	// It fails with CONFLICT when the record is not claimable.
	ClaimExecution(ctx context.Context, id string, now time.Time, lease time.Duration) (*Execution, error)
	// UpdateExecution applies update when the record is non-terminal and still at
	// expectedVersion. It returns the new version.
	UpdateExecution(ctx context.Context, id string, expectedVersion int64, update ExecutionUpdate) (int64, error)
	AppendStep(ctx context.Context, step *StepEntry) error
	ListSteps(ctx context.Context, executionID string) ([]*StepEntry, error)
}

// ConversationStore is the message history shared with the messaging system.
type ConversationStore interface {
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)
	HasInboundSince(ctx context.Context, leadID string, since time.Time) (bool, error)
}
