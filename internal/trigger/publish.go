package trigger

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/nurture/internal/logging"
	"github.com/rendis/nurture/internal/validation"
	"github.com/rendis/nurture/pkg/schema"
)

// PublishRequest toggles a workflow's publish flag.
type PublishRequest struct {
	WorkflowID string `json:"workflow_id" validate:"required"`
	Published  bool   `json:"is_published"`
	// ApplyToExisting overrides the trigger node's flag for this publish.
	ApplyToExisting *bool `json:"apply_to_existing,omitempty"`
}

// PublishResult reports a publish toggle. Backfill is set when the toggle
// started a backfill; its starts may still be running.
type PublishResult struct {
	WorkflowID   string       `json:"workflow_id"`
	WasPublished bool         `json:"was_published"`
	IsPublished  bool         `json:"is_published"`
	Backfill     *BackfillRun `json:"-"`
}

// PublishService validates and publishes workflows and backfills the
// trigger stage when asked to.
type PublishService struct {
	dir      Directory
	graphs   validation.Validator
	listener *Listener
	validate *validator.Validate
	logger   *slog.Logger
}

// NewPublishService creates a PublishService.
func NewPublishService(dir Directory, graphs validation.Validator, listener *Listener, logger *slog.Logger) *PublishService {
	return &PublishService{
		dir:      dir,
		graphs:   graphs,
		listener: listener,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.WithModule(logger, "publish"),
	}
}

// Publish sets the publish flag. Publishing validates the graph first.
// Unpublishing leaves in-flight executions alone. A false to true
// transition with apply_to_existing backfills the trigger stage; repeating
// the publish does not backfill again.
func (s *PublishService) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id is required").WithCause(err)
	}
	ctx = logging.WithWorkflowID(ctx, req.WorkflowID)

	wf, err := s.dir.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if req.Published {
		if err := s.graphs.ValidateGraph(wf.Graph); err != nil {
			return nil, err
		}
	}

	was, err := s.dir.SetPublished(ctx, wf.ID, req.Published)
	if err != nil {
		return nil, err
	}
	res := &PublishResult{WorkflowID: wf.ID, WasPublished: was, IsPublished: req.Published}
	s.logger.InfoContext(ctx, "workflow publish flag set",
		slog.Bool("was_published", was), slog.Bool("is_published", req.Published))

	apply := wf.ApplyToExisting
	if req.ApplyToExisting != nil {
		apply = *req.ApplyToExisting
	}
	if !req.Published || was || !apply {
		return res, nil
	}

	run, err := s.listener.Backfill(ctx, wf.ID)
	if err != nil {
		// The publish itself stands; the backfill can be rerun.
		s.logger.ErrorContext(ctx, "backfill failed", slog.String("error", err.Error()))
		return res, err
	}
	res.Backfill = run
	return res, nil
}
