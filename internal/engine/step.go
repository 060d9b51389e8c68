package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/nurture/internal/logging"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/internal/tracing"
	"github.com/rendis/nurture/pkg/schema"
)

// errParked stops the loop while leaving the record running: its lease has
// been set to the time of the next attempt.
var errParked = errors.New("execution parked until next sweep")

// run steps rec until it leaves running, parks, yields, or loses ownership.
// Progress already persisted is never rolled back.
func (e *Engine) run(ctx context.Context, rec *store.Execution, idx *GraphIndex) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.InvocationTimeout)
	defer cancel()

	for steps := 0; rec.Status == schema.ExecutionRunning; steps++ {
		if steps >= e.cfg.MaxSteps {
			return e.yield(ctx, rec, fmt.Sprintf("step limit %d reached", e.cfg.MaxSteps))
		}
		if ctx.Err() != nil {
			return e.yield(ctx, rec, ctx.Err().Error())
		}

		err := e.step(ctx, rec, idx)
		switch {
		case err == nil:
		case errors.Is(err, errParked):
			return nil
		case schema.IsCode(err, schema.ErrCodeConflict):
			e.logger.WarnContext(ctx, "execution changed underneath step; stopping",
				slog.String("node", rec.CurrentNodeID), slog.String("error", err.Error()))
			return nil
		case ctx.Err() != nil:
			e.logger.WarnContext(ctx, "step interrupted; lease expiry hands it to the next sweep",
				slog.String("node", rec.CurrentNodeID), slog.String("error", err.Error()))
			return err
		case schema.IsCode(err, schema.ErrCodeConfiguration):
			return e.fail(ctx, rec, rec.CurrentNodeID, err)
		default:
			e.logger.ErrorContext(ctx, "step failed; record left for retry",
				slog.String("node", rec.CurrentNodeID), slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

// step processes the current node once.
func (e *Engine) step(ctx context.Context, rec *store.Execution, idx *GraphIndex) (err error) {
	node, ok := idx.Node(rec.CurrentNodeID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "node %q not found in workflow graph", rec.CurrentNodeID).
			WithNode(rec.CurrentNodeID)
	}

	ctx = logging.WithNodeID(ctx, node.ID)
	ctx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		tracing.ExecutionIDKey.String(rec.ID),
		tracing.NodeIDKey.String(node.ID),
		tracing.NodeTypeKey.String(string(node.Type())),
	))
	defer func() {
		if err != nil && !errors.Is(err, errParked) {
			tracing.SetError(span, err)
		}
		span.End()
	}()

	switch cfg := node.Config.(type) {
	case schema.MessageConfig:
		return e.stepMessage(ctx, rec, node, cfg, idx)
	case schema.WaitConfig:
		return e.stepWait(ctx, rec, node, cfg, idx)
	case schema.StopBotConfig:
		return e.stepStop(ctx, rec, node, cfg)
	case schema.SmartConditionConfig:
		return e.stepCondition(ctx, rec, node, cfg, idx)
	case schema.TriggerConfig:
		return schema.NewError(schema.ErrCodeConfiguration, "trigger node reached during traversal").WithNode(node.ID)
	case schema.UnknownConfig:
		return schema.NewErrorf(schema.ErrCodeConfiguration, "unknown node type %q", cfg.RawType).WithNode(node.ID)
	default:
		return schema.NewError(schema.ErrCodeConfiguration, "node has no configuration").WithNode(node.ID)
	}
}

// stepMessage records "sending" before dispatch and "sent" or "send_failed"
// after, so an interrupted send is detected and re-sent on recovery.
func (e *Engine) stepMessage(ctx context.Context, rec *store.Execution, node schema.Node, cfg schema.MessageConfig, idx *GraphIndex) error {
	next, err := idx.Successor(node.ID)
	if err != nil {
		return err
	}

	if last := lastStep(rec); last != nil && last.NodeID == node.ID {
		switch last.Outcome {
		case schema.OutcomeSent, schema.OutcomeSendFailed:
			return e.advance(ctx, rec, node.ID, next)
		case schema.OutcomeSending:
			if err := e.record(ctx, rec, node.ID, schema.OutcomeSendInterrupted, ""); err != nil {
				return err
			}
		}
	}

	// Confirms ownership before the side effect.
	lease := e.now().Add(e.cfg.Lease())
	if err := e.persist(ctx, rec, store.ExecutionUpdate{LockedUntil: &lease}); err != nil {
		return err
	}
	if err := e.record(ctx, rec, node.ID, schema.OutcomeSending, string(cfg.Mode)); err != nil {
		return err
	}

	sendErr := e.deliver(ctx, rec, cfg)
	if sendErr != nil && ctx.Err() != nil {
		// Leave "sending" as the last entry; recovery re-sends.
		return sendErr
	}
	if sendErr != nil {
		if err := e.record(ctx, rec, node.ID, schema.OutcomeSendFailed, sendErr.Error()); err != nil {
			return err
		}
		e.logger.WarnContext(ctx, "message delivery failed",
			slog.String("mode", string(cfg.Mode)), slog.String("error", sendErr.Error()))
		if e.cfg.DeliveryPolicy == DeliveryHalt {
			return e.fail(ctx, rec, node.ID, schema.NewError(schema.ErrCodeDeliveryFailed, "message delivery failed").
				WithNode(node.ID).WithCause(sendErr))
		}
	} else if err := e.record(ctx, rec, node.ID, schema.OutcomeSent, ""); err != nil {
		return err
	}
	return e.advance(ctx, rec, node.ID, next)
}

func (e *Engine) deliver(ctx context.Context, rec *store.Execution, cfg schema.MessageConfig) error {
	text := cfg.Text
	if cfg.Mode == schema.MessageAI {
		err := e.call(ctx, BreakerDispatchGenerate, func(ctx context.Context) error {
			var err error
			text, err = e.dispatcher.Generate(ctx, GenerateRequest{
				Prompt:      cfg.Text,
				LeadID:      rec.LeadID,
				WorkflowID:  rec.WorkflowID,
				ExecutionID: rec.ID,
			})
			return err
		})
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return schema.NewError(schema.ErrCodeFatal, "generated message is empty")
		}
	}
	if strings.TrimSpace(text) == "" {
		return schema.NewError(schema.ErrCodeDeliveryFailed, "message text is empty")
	}
	return e.call(ctx, BreakerDispatchSend, func(ctx context.Context) error {
		return e.dispatcher.Send(ctx, Recipient{LeadID: rec.LeadID, SenderID: rec.SenderID}, text)
	})
}

// stepWait suspends on first visit. A claimed record still carrying its
// resume time is a wait that has elapsed, and advances past the node.
func (e *Engine) stepWait(ctx context.Context, rec *store.Execution, node schema.Node, cfg schema.WaitConfig, idx *GraphIndex) error {
	next, err := idx.Successor(node.ID)
	if err != nil {
		return err
	}
	if rec.ResumeAt != nil {
		if err := e.record(ctx, rec, node.ID, schema.OutcomeResumed, ""); err != nil {
			return err
		}
		return e.advance(ctx, rec, node.ID, next)
	}

	resumeAt := e.now().Add(cfg.Delay())
	return e.fsm.Transition(ctx, rec, schema.ExecutionWaiting, func() error {
		status := schema.ExecutionWaiting
		if err := e.persist(ctx, rec, store.ExecutionUpdate{Status: &status, ResumeAt: &resumeAt}); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "execution waiting", slog.Time("resume_at", resumeAt))
		return e.record(ctx, rec, node.ID, schema.OutcomeWaiting, resumeAt.Format(time.RFC3339))
	})
}

func (e *Engine) stepStop(ctx context.Context, rec *store.Execution, node schema.Node, cfg schema.StopBotConfig) error {
	e.logger.InfoContext(ctx, "stop_bot reached", slog.String("reason", cfg.Reason))
	return e.finish(ctx, rec, schema.ExecutionStopped, node.ID, schema.OutcomeStopped, cfg.Reason, "")
}

// stepCondition follows the branch matching the verdict. A retryable
// evaluator error parks the record until the backoff elapses; past the
// retry budget, or on a non-retryable error, the record fails.
func (e *Engine) stepCondition(ctx context.Context, rec *store.Execution, node schema.Node, cfg schema.SmartConditionConfig, idx *GraphIndex) error {
	onTrue, err := idx.Branch(node.ID, true)
	if err != nil {
		return err
	}
	onFalse, err := idx.Branch(node.ID, false)
	if err != nil {
		return err
	}

	key := BreakerConditionReplied
	if cfg.Condition == schema.ConditionAIRule {
		key = BreakerConditionAIRule
	}
	var verdict bool
	evalErr := e.breakers.Do(ctx, key, func(ctx context.Context) error {
		return e.withCallTimeout(ctx, func(ctx context.Context) error {
			var err error
			verdict, err = e.conditions.Evaluate(ctx, ConditionRequest{
				Condition:   cfg.Condition,
				Rule:        cfg.Rule,
				LeadID:      rec.LeadID,
				WorkflowID:  rec.WorkflowID,
				ExecutionID: rec.ID,
				Since:       rec.CreatedAt,
			})
			return err
		})
	})

	if evalErr != nil {
		if ctx.Err() != nil {
			return evalErr
		}
		if !IsRetryableError(evalErr) {
			return e.fail(ctx, rec, node.ID, schema.NewError(schema.ErrCodeFatal, "condition evaluation failed").
				WithNode(node.ID).WithCause(evalErr))
		}
		attempts := rec.RetryCount + 1
		if attempts > e.cfg.ConditionRetries {
			return e.fail(ctx, rec, node.ID, schema.NewErrorf(schema.ErrCodeTransient,
				"condition evaluation failed after %d attempts", attempts).WithNode(node.ID).WithCause(evalErr))
		}
		retryAt := e.now().Add(ComputeBackoff(&e.cfg.ConditionBackoff, rec.RetryCount))
		if err := e.persist(ctx, rec, store.ExecutionUpdate{RetryCount: &attempts, LockedUntil: &retryAt}); err != nil {
			return err
		}
		e.logger.WarnContext(ctx, "condition evaluation failed; retrying later",
			slog.Int("attempt", attempts), slog.Time("retry_at", retryAt), slog.String("error", evalErr.Error()))
		if err := e.record(ctx, rec, node.ID, schema.OutcomeConditionRetry, evalErr.Error()); err != nil {
			return err
		}
		return errParked
	}

	next, outcome := onFalse, schema.OutcomeConditionFalse
	if verdict {
		next, outcome = onTrue, schema.OutcomeConditionTrue
	}
	if err := e.record(ctx, rec, node.ID, outcome, string(cfg.Condition)); err != nil {
		return err
	}
	return e.advance(ctx, rec, node.ID, next)
}

// call runs fn under the message retry policy, the breaker for key and the
// per-call timeout.
func (e *Engine) call(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return Retry(ctx, &e.cfg.MessageRetry, func(ctx context.Context) error {
		return e.breakers.Do(ctx, key, func(ctx context.Context) error {
			return e.withCallTimeout(ctx, fn)
		})
	}, func(attempt int, err error) {
		e.logger.DebugContext(ctx, "retrying call",
			slog.String("dependency", key), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
	})
}

// withCallTimeout bounds fn; running out of time is TIMEOUT_ERROR, which is retryable.
func (e *Engine) withCallTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "call exceeded %s", e.cfg.CallTimeout).WithCause(err)
	}
	return err
}

// advance moves to next, or completes the record when from is a leaf.
func (e *Engine) advance(ctx context.Context, rec *store.Execution, from, next string) error {
	if next == "" {
		return e.complete(ctx, rec, from)
	}
	now := e.now()
	zero := 0
	return e.persist(ctx, rec, store.ExecutionUpdate{
		CurrentNodeID: &next,
		ClearResumeAt: true,
		RetryCount:    &zero,
		AdvancedAt:    &now,
	})
}

func (e *Engine) complete(ctx context.Context, rec *store.Execution, nodeID string) error {
	e.logger.InfoContext(ctx, "execution completed")
	return e.finish(ctx, rec, schema.ExecutionCompleted, nodeID, schema.OutcomeCompleted, "", "")
}

func (e *Engine) fail(ctx context.Context, rec *store.Execution, nodeID string, cause error) error {
	e.logger.ErrorContext(ctx, "execution failed", slog.String("node", nodeID), slog.String("error", cause.Error()))
	return e.finish(ctx, rec, schema.ExecutionFailed, nodeID, schema.OutcomeFailed, cause.Error(), cause.Error())
}

// finish moves rec to a terminal status.
func (e *Engine) finish(ctx context.Context, rec *store.Execution, to schema.ExecutionStatus, nodeID string, outcome schema.StepOutcome, detail, errMsg string) error {
	return e.fsm.Transition(ctx, rec, to, func() error {
		now := e.now()
		upd := store.ExecutionUpdate{Status: &to, ClearResumeAt: true, AdvancedAt: &now}
		if errMsg != "" {
			upd.Error = &errMsg
		}
		if err := e.persist(ctx, rec, upd); err != nil {
			return err
		}
		return e.record(ctx, rec, nodeID, outcome, detail)
	})
}

// yield hands the record back to the sweep by expiring its lease now.
func (e *Engine) yield(ctx context.Context, rec *store.Execution, reason string) error {
	now := e.now()
	if err := e.persist(ctx, rec, store.ExecutionUpdate{LockedUntil: &now}); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	e.logger.InfoContext(ctx, "execution yielded", slog.String("reason", reason))
	return e.record(ctx, rec, rec.CurrentNodeID, schema.OutcomeYielded, reason)
}

// persist applies upd at the record's current version and mirrors it onto rec.
// Writes outlive the invocation deadline so an outcome is never lost to it.
func (e *Engine) persist(ctx context.Context, rec *store.Execution, upd store.ExecutionUpdate) error {
	version, err := e.store.UpdateExecution(context.WithoutCancel(ctx), rec.ID, rec.Version, upd)
	if err != nil {
		return err
	}
	rec.Version = version
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if upd.CurrentNodeID != nil {
		rec.CurrentNodeID = *upd.CurrentNodeID
	}
	if upd.ClearResumeAt {
		rec.ResumeAt = nil
	} else if upd.ResumeAt != nil {
		t := *upd.ResumeAt
		rec.ResumeAt = &t
	}
	if upd.LockedUntil != nil {
		t := *upd.LockedUntil
		rec.LockedUntil = &t
	}
	if upd.RetryCount != nil {
		rec.RetryCount = *upd.RetryCount
	}
	if upd.Error != nil {
		rec.Error = *upd.Error
	}
	if upd.AdvancedAt != nil {
		rec.LastAdvancedAt = *upd.AdvancedAt
	}
	return nil
}

// record appends an audit entry and publishes it as a step event.
func (e *Engine) record(ctx context.Context, rec *store.Execution, nodeID string, outcome schema.StepOutcome, detail string) error {
	entry := &store.StepEntry{
		ExecutionID: rec.ID,
		NodeID:      nodeID,
		Outcome:     outcome,
		Detail:      detail,
		Timestamp:   e.now(),
	}
	if err := e.store.AppendStep(context.WithoutCancel(ctx), entry); err != nil {
		return err
	}
	rec.StepHistory = append(rec.StepHistory, entry)
	e.fsm.Emit(ctx, rec, schema.EventExecutionStep, outcome, detail)
	return nil
}

func lastStep(rec *store.Execution) *store.StepEntry {
	if len(rec.StepHistory) == 0 {
		return nil
	}
	return rec.StepHistory[len(rec.StepHistory)-1]
}
