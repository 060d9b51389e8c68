package engine

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/nurture/internal/logging"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/internal/tracing"
	"github.com/rendis/nurture/pkg/schema"
)

// DeliveryPolicy decides what a failed message send does to the execution.
type DeliveryPolicy string

const (
	// DeliveryContinue records the failure and moves on to the next node.
	DeliveryContinue DeliveryPolicy = "continue"
	// DeliveryHalt fails the execution with DELIVERY_FAILED.
	DeliveryHalt DeliveryPolicy = "halt"
)

// leaseMargin is added to the invocation timeout to form the claim lease, so
// a lease never expires while its owner can still write.
const leaseMargin = 30 * time.Second

// Config tunes the engine.
type Config struct {
	// MaxSteps bounds the nodes processed by one start or resume call.
	MaxSteps int `json:"max_steps"`
	// InvocationTimeout bounds one start or resume call.
	InvocationTimeout time.Duration `json:"invocation_timeout"`
	// CallTimeout bounds each dispatcher or evaluator call.
	CallTimeout time.Duration `json:"call_timeout"`
	// MessageRetry governs in-step retries of send and generate.
	MessageRetry RetryPolicy `json:"message_retry"`
	// ConditionRetries is how many failed evaluations a smart_condition
	// tolerates before the execution fails.
	ConditionRetries int `json:"condition_retries"`
	// ConditionBackoff spaces evaluation retries across sweeps.
	ConditionBackoff RetryPolicy          `json:"condition_backoff"`
	DeliveryPolicy   DeliveryPolicy       `json:"delivery_policy"`
	Breakers         CircuitBreakerConfig `json:"breakers"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:          50,
		InvocationTimeout: 2 * time.Minute,
		CallTimeout:       30 * time.Second,
		MessageRetry:      RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential, Delay: time.Second, MaxDelay: 10 * time.Second},
		ConditionRetries:  5,
		ConditionBackoff:  RetryPolicy{Backoff: BackoffExponential, Delay: 30 * time.Second, MaxDelay: 10 * time.Minute},
		DeliveryPolicy:    DeliveryContinue,
		Breakers:          DefaultCircuitBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.InvocationTimeout <= 0 {
		c.InvocationTimeout = d.InvocationTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.ConditionRetries <= 0 {
		c.ConditionRetries = d.ConditionRetries
	}
	if c.DeliveryPolicy != DeliveryHalt {
		c.DeliveryPolicy = DeliveryContinue
	}
	if c.Breakers.FailureThreshold <= 0 {
		c.Breakers = d.Breakers
	}
	return c
}

// Lease is how long a claim keeps other steppers away from a record.
func (c Config) Lease() time.Duration {
	return c.InvocationTimeout + leaseMargin
}

// StartStatus is the outcome of a start request.
type StartStatus string

const (
	StartStarted            StartStatus = "started"
	StartSkippedDuplicate   StartStatus = "skipped_duplicate"
	StartSkippedUnpublished StartStatus = "skipped_unpublished"
	StartError              StartStatus = "error"
)

// StartRequest asks for a workflow to run for one lead.
type StartRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	LeadID     string `json:"lead_id" validate:"required"`
	SenderID   string `json:"sender_id" validate:"required"`
	// ApplyToExisting marks a backfill start: a lead that already completed
	// this workflow is skipped as a duplicate.
	ApplyToExisting bool `json:"apply_to_existing"`
	// Manual marks an operator test run, which ignores the publish flag.
	Manual bool `json:"manual"`
}

// StartResult reports what a start request did.
type StartResult struct {
	Status      StartStatus            `json:"status"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Execution   schema.ExecutionStatus `json:"execution_status,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ResumeStatus is the outcome of a resume request.
type ResumeStatus string

const (
	ResumeResumed  ResumeStatus = "resumed"
	ResumeNotDue   ResumeStatus = "not_due"
	ResumeBusy     ResumeStatus = "busy"
	ResumeTerminal ResumeStatus = "terminal"
)

// ResumeResult reports what a resume request did.
type ResumeResult struct {
	Status      ResumeStatus           `json:"status"`
	ExecutionID string                 `json:"execution_id"`
	Execution   schema.ExecutionStatus `json:"execution_status"`
	ResumeAt    *time.Time             `json:"resume_at,omitempty"`
}

// Engine interprets published workflow graphs for (workflow, lead) pairs.
// Each record is stepped by at most one caller at a time; ownership comes
// from the store's create-if-absent and claim operations and is checked on
// every write through the record version.
type Engine struct {
	store      Store
	conditions ConditionEvaluator
	dispatcher MessageDispatcher
	fsm        *ExecutionFSM
	breakers   *CircuitBreakerRegistry
	validate   *validator.Validate
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// New creates an Engine. publisher may be nil.
func New(st Store, conditions ConditionEvaluator, dispatcher MessageDispatcher, publisher EventPublisher, cfg Config, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return &Engine{
		store:      st,
		conditions: conditions,
		dispatcher: dispatcher,
		fsm:        NewExecutionFSM(publisher, logger),
		breakers:   NewCircuitBreakerRegistry(cfg.Breakers),
		validate:   v,
		cfg:        cfg,
		logger:     logger,
		tracer:     tracing.Tracer("github.com/rendis/nurture/internal/engine"),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		newID:      uuid.NewString,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Breakers exposes the dependency circuit breakers.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Start creates an execution record for the pair and steps it until it
// waits, ends, or yields. A pair that already has a running or waiting
// record yields skipped_duplicate, never an error.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := e.validateStart(req); err != nil {
		return &StartResult{Status: StartError, Error: err.Error()}, err
	}

	ctx = logging.WithWorkflowID(logging.WithLeadID(ctx, req.LeadID), req.WorkflowID)
	ctx, span := e.tracer.Start(ctx, "engine.start", trace.WithAttributes(
		tracing.WorkflowIDKey.String(req.WorkflowID),
		tracing.LeadIDKey.String(req.LeadID),
	))
	defer span.End()

	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		tracing.SetError(span, err)
		return &StartResult{Status: StartError, Error: err.Error()}, err
	}
	if !wf.IsPublished && !req.Manual {
		e.logger.DebugContext(ctx, "start skipped: workflow not published")
		return &StartResult{Status: StartSkippedUnpublished}, nil
	}

	idx, graphErr := NewGraphIndex(wf.Graph)
	var entry string
	if graphErr == nil {
		entry, graphErr = idx.Entry()
	}

	now := e.now()
	lease := now.Add(e.cfg.Lease())
	rec := &store.Execution{
		ID:             e.newID(),
		WorkflowID:     req.WorkflowID,
		LeadID:         req.LeadID,
		SenderID:       req.SenderID,
		CurrentNodeID:  entry,
		Status:         schema.ExecutionRunning,
		LockedUntil:    &lease,
		Manual:         req.Manual,
		CreatedAt:      now,
		LastAdvancedAt: now,
	}
	created, err := e.store.CreateExecution(ctx, rec, store.CreateOptions{SkipIfCompleted: req.ApplyToExisting})
	if err != nil {
		tracing.SetError(span, err)
		return &StartResult{Status: StartError, Error: err.Error()}, err
	}
	if !created {
		e.logger.DebugContext(ctx, "start skipped: duplicate trigger")
		return &StartResult{Status: StartSkippedDuplicate}, nil
	}

	ctx = logging.WithExecutionID(ctx, rec.ID)
	span.SetAttributes(tracing.ExecutionIDKey.String(rec.ID))
	e.logger.InfoContext(ctx, "execution started", slog.String("entry", entry), slog.Bool("manual", req.Manual))

	triggerID := ""
	if idx != nil {
		triggerID = idx.Trigger.ID
	}
	if err := e.record(ctx, rec, triggerID, schema.OutcomeStarted, ""); err != nil {
		e.logger.WarnContext(ctx, "record start", slog.String("error", err.Error()))
	}
	e.fsm.Emit(ctx, rec, schema.EventExecutionStarted, schema.OutcomeStarted, "")

	var runErr error
	switch {
	case graphErr != nil:
		runErr = e.fail(ctx, rec, triggerID, graphErr)
	case entry == "":
		runErr = e.complete(ctx, rec, triggerID)
	default:
		runErr = e.run(ctx, rec, idx)
	}
	if runErr != nil {
		tracing.SetError(span, runErr)
	}
	return &StartResult{Status: StartStarted, ExecutionID: rec.ID, Execution: rec.Status}, nil
}

// Resume continues a record whose wait elapsed, or a running record whose
// lease expired. It is a no-op for records that are not due, owned by
// another caller, or terminal.
func (e *Engine) Resume(ctx context.Context, executionID string) (*ResumeResult, error) {
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	result := &ResumeResult{ExecutionID: rec.ID, Execution: rec.Status, ResumeAt: rec.ResumeAt}
	if rec.Status.IsTerminal() {
		result.Status = ResumeTerminal
		return result, nil
	}

	now := e.now()
	switch rec.Status {
	case schema.ExecutionWaiting:
		if rec.ResumeAt != nil && rec.ResumeAt.After(now) {
			result.Status = ResumeNotDue
			return result, nil
		}
	case schema.ExecutionRunning:
		if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
			result.Status = ResumeBusy
			return result, nil
		}
	}

	ctx = logging.WithExecution(ctx, rec.ID, rec.WorkflowID, rec.LeadID)
	ctx, span := e.tracer.Start(ctx, "engine.resume", trace.WithAttributes(
		tracing.ExecutionIDKey.String(rec.ID),
		tracing.WorkflowIDKey.String(rec.WorkflowID),
		tracing.LeadIDKey.String(rec.LeadID),
	))
	defer span.End()

	var claimed *store.Execution
	claim := func() error {
		var err error
		claimed, err = e.store.ClaimExecution(ctx, rec.ID, now, e.cfg.Lease())
		return err
	}
	if rec.Status == schema.ExecutionWaiting {
		err = e.fsm.Transition(ctx, rec, schema.ExecutionRunning, claim)
	} else {
		err = claim()
	}
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			result.Status = ResumeBusy
			return result, nil
		}
		tracing.SetError(span, err)
		return nil, err
	}

	result.Status = ResumeResumed
	e.logger.InfoContext(ctx, "execution resumed", slog.String("node", claimed.CurrentNodeID))

	wf, err := e.store.GetWorkflow(ctx, claimed.WorkflowID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			err = e.fail(ctx, claimed, claimed.CurrentNodeID,
				schema.NewError(schema.ErrCodeConfiguration, "workflow no longer exists").WithCause(err))
		}
		result.Execution = claimed.Status
		return result, err
	}
	idx, err := NewGraphIndex(wf.Graph)
	if err != nil {
		err = e.fail(ctx, claimed, claimed.CurrentNodeID, err)
	} else {
		err = e.run(ctx, claimed, idx)
	}
	if err != nil {
		tracing.SetError(span, err)
	}
	result.Execution = claimed.Status
	result.ResumeAt = claimed.ResumeAt
	return result, nil
}

// Terminate stops a running or waiting record. Terminal records are
// rejected with INVALID_TRANSITION; a concurrent step wins with CONFLICT.
func (e *Engine) Terminate(ctx context.Context, executionID, reason string) (*store.Execution, error) {
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithExecution(ctx, rec.ID, rec.WorkflowID, rec.LeadID)
	if reason == "" {
		reason = "terminated by operator"
	}
	err = e.fsm.Transition(ctx, rec, schema.ExecutionStopped, func() error {
		status := schema.ExecutionStopped
		now := e.now()
		if err := e.persist(ctx, rec, store.ExecutionUpdate{Status: &status, ClearResumeAt: true, AdvancedAt: &now}); err != nil {
			return err
		}
		return e.record(ctx, rec, rec.CurrentNodeID, schema.OutcomeTerminated, reason)
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "execution terminated", slog.String("reason", reason))
	return rec, nil
}

// Status returns the record with its full step history.
func (e *Engine) Status(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// List returns records matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Due returns records a sweep should resume now.
func (e *Engine) Due(ctx context.Context, limit int) ([]*store.Execution, error) {
	return e.store.ListDueExecutions(ctx, e.now(), limit)
}

func (e *Engine) validateStart(req StartRequest) error {
	err := e.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "missing required fields: %s", strings.Join(missing, ", ")).
		WithDetails(map[string]any{"missing": missing})
}

func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}
