package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/pkg/schema"
)

// BackfillSummary counts what a backfill did, lead by lead.
type BackfillSummary struct {
	WorkflowID  string `json:"workflow_id"`
	StageID     string `json:"stage_id"`
	Leads       int    `json:"leads"`
	Started     int    `json:"started"`
	Duplicates  int    `json:"duplicates"`
	Unpublished int    `json:"unpublished"`
	Failed      int    `json:"failed"`
}

// BackfillRun is a backfill whose starts may still be running.
type BackfillRun struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	summary BackfillSummary
}

// Wait blocks until every start submitted by the backfill has returned.
func (r *BackfillRun) Wait() BackfillSummary {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

func (r *BackfillRun) count(res *engine.StartResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err != nil:
		r.summary.Failed++
	case res.Status == engine.StartStarted:
		r.summary.Started++
	case res.Status == engine.StartSkippedDuplicate:
		r.summary.Duplicates++
	case res.Status == engine.StartSkippedUnpublished:
		r.summary.Unpublished++
	}
}

// Backfill starts workflowID for every lead currently in its trigger stage.
// A lead that already has a running, waiting or completed execution of the
// workflow is skipped by the store. Each lead runs as its own pool task; a
// failing lead is reported to the pool's error hook and counted, never
// aborting the others. The starts outlive ctx; cancelling ctx only stops
// further submissions.
func (l *Listener) Backfill(ctx context.Context, workflowID string) (*BackfillRun, error) {
	wf, err := l.dir.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.TriggerStageID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no trigger stage", workflowID)
	}
	leads, err := l.dir.ListLeadsInStage(ctx, wf.TriggerStageID)
	if err != nil {
		return nil, schema.Transient(err, "list leads in stage %q", wf.TriggerStageID)
	}

	run := &BackfillRun{summary: BackfillSummary{WorkflowID: wf.ID, StageID: wf.TriggerStageID, Leads: len(leads)}}
	detached := context.WithoutCancel(ctx)

	for _, lead := range leads {
		if ctx.Err() != nil {
			break
		}
		req := engine.StartRequest{
			WorkflowID:      wf.ID,
			LeadID:          lead.ID,
			SenderID:        lead.SenderID,
			ApplyToExisting: true,
		}
		run.wg.Add(1)
		err := l.pool.SubmitKeyed(detached, startKey(wf.ID, lead.ID), func(ctx context.Context) error {
			defer run.wg.Done()
			res, err := l.starter.Start(ctx, req)
			run.count(res, err)
			return err
		})
		if err == nil {
			continue
		}
		run.wg.Done()
		if errors.Is(err, engine.ErrKeyInFlight) {
			run.count(&engine.StartResult{Status: engine.StartSkippedDuplicate}, nil)
			continue
		}
		l.logger.ErrorContext(ctx, "backfill submit failed",
			slog.String("workflow_id", wf.ID), slog.String("lead_id", lead.ID), slog.String("error", err.Error()))
		run.count(nil, err)
	}

	l.logger.InfoContext(ctx, "backfill submitted",
		slog.String("workflow_id", wf.ID), slog.String("stage_id", wf.TriggerStageID), slog.Int("leads", len(leads)))
	return run, nil
}
