package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/pkg/schema"
)

// TransitionHook is called after a successful status transition.
type TransitionHook func(ctx context.Context, rec *store.Execution, from, to schema.ExecutionStatus)

// EventPublisher receives execution lifecycle events. Publishing is best
// effort: a failure is logged and never fails the step.
type EventPublisher interface {
	PublishExecutionEvent(ctx context.Context, event *schema.ExecutionEvent) error
}

// Publishers fans an event out to several publishers. Every publisher is
// tried; the failures are joined.
type Publishers []EventPublisher

func (ps Publishers) PublishExecutionEvent(ctx context.Context, event *schema.ExecutionEvent) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.PublishExecutionEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidExecutionTransitions lists the allowed status moves. Terminal
// statuses have no outgoing transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning: {
		schema.ExecutionWaiting,
		schema.ExecutionCompleted,
		schema.ExecutionStopped,
		schema.ExecutionFailed,
	},
	schema.ExecutionWaiting: {
		schema.ExecutionRunning,
		schema.ExecutionStopped,
		schema.ExecutionFailed,
	},
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM guards execution status transitions and emits lifecycle events.
type ExecutionFSM struct {
	mu        sync.RWMutex
	publisher EventPublisher
	after     map[hookKey][]TransitionHook
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutionFSM creates an ExecutionFSM publishing through publisher (may be nil).
func NewExecutionFSM(publisher EventPublisher, logger *slog.Logger) *ExecutionFSM {
	return &ExecutionFSM{
		publisher: publisher,
		after:     make(map[hookKey][]TransitionHook),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnAfter registers a hook called after a transition has been persisted.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs persist, then emits the matching
// event and runs after hooks. Nothing is emitted when persist fails.
func (f *ExecutionFSM) Transition(ctx context.Context, rec *store.Execution, to schema.ExecutionStatus, persist func() error) error {
	from := rec.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": rec.ID, "from": string(from), "to": string(to)})
	}
	if err := persist(); err != nil {
		return err
	}
	rec.Status = to

	if eventType := executionEventType(to); eventType != "" {
		f.Emit(ctx, rec, eventType, "", "")
	}

	f.mu.RLock()
	hooks := f.after[hookKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, rec, from, to)
	}
	return nil
}

// Emit publishes a lifecycle event for rec.
func (f *ExecutionFSM) Emit(ctx context.Context, rec *store.Execution, eventType string, outcome schema.StepOutcome, detail string) {
	if f.publisher == nil {
		return
	}
	event := &schema.ExecutionEvent{
		Type:        eventType,
		ExecutionID: rec.ID,
		WorkflowID:  rec.WorkflowID,
		LeadID:      rec.LeadID,
		NodeID:      rec.CurrentNodeID,
		Status:      rec.Status,
		Outcome:     outcome,
		Detail:      detail,
		Timestamp:   f.now(),
	}
	if err := f.publisher.PublishExecutionEvent(ctx, event); err != nil {
		f.logger.WarnContext(ctx, "publish execution event",
			slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionResumed
	case schema.ExecutionWaiting:
		return schema.EventExecutionWaiting
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStopped:
		return schema.EventExecutionStopped
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}
