// Package trigger turns stage entries and publish actions into execution
// starts. It never decides whether a lead was already handled: the execution
// store's create-if-absent does.
package trigger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/logging"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/pkg/schema"
)

// Starter starts executions. *engine.Engine satisfies it.
type Starter interface {
	Start(ctx context.Context, req engine.StartRequest) (*engine.StartResult, error)
}

// Directory is the workflow and lead data the listener reads and updates.
type Directory interface {
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	SetPublished(ctx context.Context, id string, published bool) (bool, error)
	UpsertLead(ctx context.Context, lead *store.Lead) error
	ListLeadsInStage(ctx context.Context, stageID string) ([]*store.Lead, error)
}

// Listener routes stage entries and backfills to the engine.
type Listener struct {
	starter  Starter
	dir      Directory
	pool     *engine.WorkerPool
	validate *validator.Validate
	logger   *slog.Logger
}

// NewListener creates a Listener. Stage-entry starts and backfills run on pool.
func NewListener(starter Starter, dir Directory, pool *engine.WorkerPool, logger *slog.Logger) *Listener {
	return &Listener{
		starter:  starter,
		dir:      dir,
		pool:     pool,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.WithModule(logger, "trigger"),
	}
}

// OnStageEntry starts workflowID for a lead that just entered its trigger stage.
func (l *Listener) OnStageEntry(ctx context.Context, workflowID, leadID, senderID string) (*engine.StartResult, error) {
	return l.starter.Start(ctx, engine.StartRequest{
		WorkflowID: workflowID,
		LeadID:     leadID,
		SenderID:   senderID,
	})
}

// HandleStageEntry records the lead's new stage and submits a start for every
// published workflow triggered by that stage. Each start runs as its own pool
// task keyed by workflow and lead, so a slow lead never holds up another and
// the call returns once the starts are submitted. A start already in flight
// for the same key is not submitted twice. Failing to record the lead, list
// the workflows or submit a start is returned as retryable; redelivery is
// safe because the store skips leads that already have a run.
func (l *Listener) HandleStageEntry(ctx context.Context, entry *schema.StageEntry) error {
	if err := l.validate.Struct(entry); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid stage entry").WithCause(err)
	}
	ctx = logging.WithLeadID(ctx, entry.LeadID)

	if err := l.dir.UpsertLead(ctx, &store.Lead{
		ID:       entry.LeadID,
		Name:     entry.LeadName,
		SenderID: entry.SenderID,
		StageID:  entry.StageID,
	}); err != nil {
		return schema.Transient(err, "record stage of lead %q", entry.LeadID)
	}

	published := true
	workflows, err := l.dir.ListWorkflows(ctx, store.WorkflowFilter{TriggerStageID: entry.StageID, Published: &published})
	if err != nil {
		return schema.Transient(err, "list workflows for stage %q", entry.StageID)
	}

	detached := context.WithoutCancel(ctx)
	var submitErr error
	for _, wf := range workflows {
		workflowID := wf.ID
		err := l.pool.SubmitKeyed(detached, startKey(workflowID, entry.LeadID), func(ctx context.Context) error {
			res, err := l.OnStageEntry(ctx, workflowID, entry.LeadID, entry.SenderID)
			if err != nil {
				return err
			}
			l.logger.DebugContext(ctx, "stage entry handled",
				slog.String("workflow_id", workflowID), slog.String("status", string(res.Status)))
			return nil
		})
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrKeyInFlight):
			l.logger.DebugContext(ctx, "stage entry start already in flight", slog.String("workflow_id", workflowID))
		default:
			l.logger.ErrorContext(ctx, "stage entry submit failed",
				slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
			if submitErr == nil {
				submitErr = schema.Transient(err, "submit start of workflow %q", workflowID)
			}
		}
	}
	return submitErr
}

func startKey(workflowID, leadID string) string {
	return "start:" + workflowID + ":" + leadID
}
