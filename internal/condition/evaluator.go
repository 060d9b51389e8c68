// Package condition resolves smart_condition branches.
package condition

import (
	"context"
	"log/slog"

	"github.com/rendis/nurture/internal/ai"
	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/pkg/schema"
)

// DefaultTranscriptSize is how many recent messages an AI rule sees.
const DefaultTranscriptSize = 20

// Judge decides whether a natural-language rule holds for a transcript.
type Judge interface {
	Judge(ctx context.Context, rule, transcript string) (bool, error)
}

// Evaluator answers has_replied from the conversation store and ai_rule
// through a Judge.
type Evaluator struct {
	conversations  store.ConversationStore
	judge          Judge
	transcriptSize int
	logger         *slog.Logger
}

var _ engine.ConditionEvaluator = (*Evaluator)(nil)

// NewEvaluator creates an Evaluator. judge may be nil, in which case ai_rule
// conditions fail as misconfigured.
func NewEvaluator(conversations store.ConversationStore, judge Judge, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		conversations:  conversations,
		judge:          judge,
		transcriptSize: DefaultTranscriptSize,
		logger:         logger,
	}
}

// Evaluate implements engine.ConditionEvaluator.
func (e *Evaluator) Evaluate(ctx context.Context, req engine.ConditionRequest) (bool, error) {
	switch req.Condition {
	case schema.ConditionHasReplied:
		return e.hasReplied(ctx, req)
	case schema.ConditionAIRule:
		return e.aiRule(ctx, req)
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown condition type %q", req.Condition)
	}
}

// hasReplied is true when the lead sent any message after req.Since.
func (e *Evaluator) hasReplied(ctx context.Context, req engine.ConditionRequest) (bool, error) {
	replied, err := e.conversations.HasInboundSince(ctx, req.LeadID, req.Since)
	if err != nil {
		return false, schema.Transient(err, "query conversation for lead %q", req.LeadID)
	}
	return replied, nil
}

func (e *Evaluator) aiRule(ctx context.Context, req engine.ConditionRequest) (bool, error) {
	if e.judge == nil {
		return false, schema.NewError(schema.ErrCodeConfiguration, "ai_rule condition used but no AI service is configured")
	}
	msgs, err := e.conversations.ListMessages(ctx, store.MessageFilter{LeadID: req.LeadID, Limit: e.transcriptSize})
	if err != nil {
		return false, schema.Transient(err, "load conversation for lead %q", req.LeadID)
	}
	verdict, err := e.judge.Judge(ctx, req.Rule, ai.Transcript(msgs))
	if err != nil {
		return false, err
	}
	e.logger.DebugContext(ctx, "ai rule evaluated",
		slog.String("rule", req.Rule), slog.Bool("verdict", verdict), slog.Int("messages", len(msgs)))
	return verdict, nil
}
