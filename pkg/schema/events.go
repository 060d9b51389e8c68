package schema

import "time"

// Lifecycle event types published on the execution events topic.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionStep      = "execution.step"
	EventExecutionWaiting   = "execution.waiting"
	EventExecutionResumed   = "execution.resumed"
	EventExecutionCompleted = "execution.completed"
	EventExecutionStopped   = "execution.stopped"
	EventExecutionFailed    = "execution.failed"

	EventStageEntered = "lead.stage_entered"
)

// ExecutionStatus represents the lifecycle state of an execution record.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionStopped   ExecutionStatus = "stopped"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionStopped || s == ExecutionFailed
}

// Valid reports whether s is one of the known statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionRunning, ExecutionWaiting, ExecutionCompleted, ExecutionStopped, ExecutionFailed:
		return true
	}
	return false
}

// StepOutcome is the outcome tag recorded in an execution's step history.
type StepOutcome string

const (
	OutcomeStarted         StepOutcome = "started"
	OutcomeSending         StepOutcome = "sending"
	OutcomeSent            StepOutcome = "sent"
	OutcomeSendFailed      StepOutcome = "send_failed"
	OutcomeSendInterrupted StepOutcome = "send_interrupted"
	OutcomeWaiting         StepOutcome = "waiting"
	OutcomeResumed         StepOutcome = "resumed"
	OutcomeStopped         StepOutcome = "stopped"
	OutcomeConditionTrue   StepOutcome = "condition_true"
	OutcomeConditionFalse  StepOutcome = "condition_false"
	OutcomeConditionRetry  StepOutcome = "condition_retry"
	OutcomeCompleted       StepOutcome = "completed"
	OutcomeFailed          StepOutcome = "failed"
	OutcomeYielded         StepOutcome = "yielded"
	OutcomeTerminated      StepOutcome = "terminated"
)

// MessageDirection distinguishes lead-authored from agent-authored messages.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// ExecutionEvent is the payload published for execution lifecycle changes.
type ExecutionEvent struct {
	Type        string          `json:"type"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	LeadID      string          `json:"lead_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Outcome     StepOutcome     `json:"outcome,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// StageEntry is the payload of a lead entering a pipeline stage.
type StageEntry struct {
	LeadID    string    `json:"lead_id" validate:"required"`
	SenderID  string    `json:"sender_id" validate:"required"`
	StageID   string    `json:"stage_id" validate:"required"`
	LeadName  string    `json:"lead_name,omitempty"`
	EnteredAt time.Time `json:"entered_at"`
}
