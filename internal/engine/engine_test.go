package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/pkg/schema"
)

func TestStart_ConcurrentTriggersCreateOneRecord(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf", []schema.Node{trigger("t"), wait("w", 1, schema.UnitDays)}, []schema.Edge{edge("t", "w")})

	const callers = 16
	results := make([]*StartResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.Start(context.Background(), StartRequest{WorkflowID: "wf", LeadID: "lead-1", SenderID: "page"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	counts := map[StartStatus]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	assert.Equal(t, 1, counts[StartStarted])
	assert.Equal(t, callers-1, counts[StartSkippedDuplicate])
	assert.Equal(t, 1, h.store.nonTerminal("wf", "lead-1"))
}

func TestStart_RequiresFields(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.engine.Start(context.Background(), StartRequest{LeadID: "lead-1"})
	require.Error(t, err)
	assert.Equal(t, StartError, res.Status)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "workflow_id")
	assert.Contains(t, err.Error(), "sender_id")
	assert.NotContains(t, err.Error(), "lead_id")
}

func TestStart_UnknownWorkflow(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.engine.Start(context.Background(), StartRequest{WorkflowID: "nope", LeadID: "l", SenderID: "s"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.Equal(t, StartError, res.Status)
}

func TestStart_UnpublishedSkippedUnlessManual(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.putWorkflow(&store.Workflow{ID: "draft", Graph: &schema.Graph{
		Nodes: []schema.Node{trigger("t"), message("m", "hi")},
		Edges: []schema.Edge{edge("t", "m")},
	}})

	res := h.start(t, "draft", "lead-1")
	assert.Equal(t, StartSkippedUnpublished, res.Status)
	assert.Empty(t, h.dispatcher.Sent())

	manual, err := h.engine.Start(context.Background(), StartRequest{WorkflowID: "draft", LeadID: "lead-1", SenderID: "s", Manual: true})
	require.NoError(t, err)
	assert.Equal(t, StartStarted, manual.Status)
	assert.Equal(t, schema.ExecutionCompleted, manual.Execution)
	assert.Equal(t, []string{"hi"}, h.dispatcher.Sent())
}

func TestStart_TriggerWithoutSuccessorCompletes(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf", []schema.Node{trigger("t")}, nil)

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, StartStarted, res.Status)
	assert.Equal(t, schema.ExecutionCompleted, res.Execution)

	rec := h.execution(t, res.ExecutionID)
	assert.Equal(t, []string{"t:started", "t:completed"}, outcomes(rec))
}

func TestStart_LinearMessagesComplete(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf",
		[]schema.Node{trigger("t"), message("m1", "hello"), message("m2", "still there?")},
		[]schema.Edge{edge("t", "m1"), edge("m1", "m2")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionCompleted, res.Execution)
	assert.Equal(t, []string{"hello", "still there?"}, h.dispatcher.Sent())

	rec := h.execution(t, res.ExecutionID)
	assert.Equal(t, []string{
		"t:started",
		"m1:sending", "m1:sent",
		"m2:sending", "m2:sent",
		"m2:completed",
	}, outcomes(rec))
	assert.Contains(t, h.events.Types(), schema.EventExecutionStarted)
	assert.Contains(t, h.events.Types(), schema.EventExecutionCompleted)
}

func TestWait_SuspendsAndResumesOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf",
		[]schema.Node{trigger("t"), wait("w", 5, schema.UnitMinutes), message("m", "follow-up")},
		[]schema.Edge{edge("t", "w"), edge("w", "m")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionWaiting, res.Execution)

	rec := h.execution(t, res.ExecutionID)
	require.NotNil(t, rec.ResumeAt)
	assert.Equal(t, rec.CreatedAt.Add(300*time.Second), *rec.ResumeAt)

	h.clock.Advance(4 * time.Minute)
	early, err := h.engine.Resume(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ResumeNotDue, early.Status)
	assert.Empty(t, h.dispatcher.Sent())

	h.clock.Advance(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Resume(context.Background(), rec.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"follow-up"}, h.dispatcher.Sent(), "resume advances exactly once")
	rec = h.execution(t, rec.ID)
	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
	assert.Nil(t, rec.ResumeAt)
	assert.Equal(t, []string{
		"t:started", "w:waiting", "w:resumed",
		"m:sending", "m:sent", "m:completed",
	}, outcomes(rec))

	again, err := h.engine.Resume(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ResumeTerminal, again.Status)
}

func TestStopBot_EndsTraversal(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf",
		[]schema.Node{trigger("t"), stop("s", "lead asked to stop"), message("m", "never")},
		[]schema.Edge{edge("t", "s"), edge("s", "m")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionStopped, res.Execution)
	assert.Empty(t, h.dispatcher.Sent())

	rec := h.execution(t, res.ExecutionID)
	last := rec.StepHistory[len(rec.StepHistory)-1]
	assert.Equal(t, schema.OutcomeStopped, last.Outcome)
	assert.Equal(t, "lead asked to stop", last.Detail)

	again := h.start(t, "wf", "lead-1")
	assert.Equal(t, StartStarted, again.Status, "a terminal record does not block a new run")
}

func TestSmartCondition_FollowsVerdict(t *testing.T) {
	for _, verdict := range []bool{true, false} {
		h := newHarness(t, Config{})
		h.conditions.results = []conditionResult{{verdict: verdict}}
		h.workflow("wf",
			[]schema.Node{trigger("t"), condition("c", schema.ConditionHasReplied), message("yes", "great"), message("no", "ping")},
			[]schema.Edge{edge("t", "c"), branch("c", "yes", "Yes"), branch("c", "no", "false")})

		res := h.start(t, "wf", "lead-1")
		assert.Equal(t, schema.ExecutionCompleted, res.Execution)
		if verdict {
			assert.Equal(t, []string{"great"}, h.dispatcher.Sent())
		} else {
			assert.Equal(t, []string{"ping"}, h.dispatcher.Sent())
		}

		rec := h.execution(t, res.ExecutionID)
		require.Len(t, h.conditions.requests, 1)
		assert.Equal(t, rec.CreatedAt, h.conditions.requests[0].Since)
		assert.Equal(t, schema.ConditionHasReplied, h.conditions.requests[0].Condition)
	}
}

func TestSmartCondition_RetryThenSucceed(t *testing.T) {
	h := newHarness(t, Config{ConditionRetries: 3, ConditionBackoff: RetryPolicy{Backoff: BackoffConstant, Delay: time.Minute}})
	h.conditions.results = []conditionResult{
		{err: schema.NewError(schema.ErrCodeTransient, "model overloaded")},
		{verdict: true},
	}
	h.workflow("wf",
		[]schema.Node{trigger("t"), condition("c", schema.ConditionAIRule), message("yes", "great"), message("no", "ping")},
		[]schema.Edge{edge("t", "c"), branch("c", "yes", "true"), branch("c", "no", "false")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionRunning, res.Execution, "evaluator error leaves the record running")

	rec := h.execution(t, res.ExecutionID)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.LockedUntil)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *rec.LockedUntil)

	busy, err := h.engine.Resume(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ResumeBusy, busy.Status)

	h.clock.Advance(time.Minute)
	due, err := h.engine.Due(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	resumed, err := h.engine.Resume(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ResumeResumed, resumed.Status)
	assert.Equal(t, schema.ExecutionCompleted, resumed.Execution)
	assert.Equal(t, []string{"great"}, h.dispatcher.Sent())
	assert.Equal(t, 0, h.execution(t, rec.ID).RetryCount)
}

func TestSmartCondition_RetriesExhausted(t *testing.T) {
	h := newHarness(t, Config{ConditionRetries: 2, ConditionBackoff: RetryPolicy{Backoff: BackoffConstant, Delay: time.Second}})
	h.conditions.results = []conditionResult{{err: errors.New("connection reset")}}
	h.workflow("wf",
		[]schema.Node{trigger("t"), condition("c", schema.ConditionAIRule), message("yes", "a"), message("no", "b")},
		[]schema.Edge{edge("t", "c"), branch("c", "yes", "true"), branch("c", "no", "false")})

	res := h.start(t, "wf", "lead-1")
	for i := 0; i < 2; i++ {
		h.clock.Advance(time.Second)
		_, err := h.engine.Resume(context.Background(), res.ExecutionID)
		require.NoError(t, err)
	}

	rec := h.execution(t, res.ExecutionID)
	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Contains(t, rec.Error, string(schema.ErrCodeTransient))
	assert.Empty(t, h.dispatcher.Sent())
}

func TestSmartCondition_FatalFailsImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	h.conditions.results = []conditionResult{{err: schema.NewError(schema.ErrCodeFatal, "rule rejected")}}
	h.workflow("wf",
		[]schema.Node{trigger("t"), condition("c", schema.ConditionAIRule), message("yes", "a"), message("no", "b")},
		[]schema.Edge{edge("t", "c"), branch("c", "yes", "true"), branch("c", "no", "false")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionFailed, res.Execution)
}

func TestConfigurationErrorsFailRecord(t *testing.T) {
	cases := map[string]struct {
		nodes []schema.Node
		edges []schema.Edge
	}{
		"dangling successor": {
			nodes: []schema.Node{trigger("t"), message("m", "hi")},
			edges: []schema.Edge{edge("t", "m"), edge("m", "ghost")},
		},
		"fan-out": {
			nodes: []schema.Node{trigger("t"), message("m", "hi"), message("a", "a"), message("b", "b")},
			edges: []schema.Edge{edge("t", "m"), edge("m", "a"), edge("m", "b")},
		},
		"missing false branch": {
			nodes: []schema.Node{trigger("t"), condition("c", schema.ConditionHasReplied), message("a", "a")},
			edges: []schema.Edge{edge("t", "c"), branch("c", "a", "true")},
		},
		"unknown node type": {
			nodes: []schema.Node{trigger("t"), {ID: "x", Config: schema.UnknownConfig{RawType: "webhook"}}},
			edges: []schema.Edge{edge("t", "x")},
		},
		"trigger reached": {
			nodes: []schema.Node{trigger("t"), message("m", "hi")},
			edges: []schema.Edge{edge("t", "m"), edge("m", "t")},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.workflow("wf", tc.nodes, tc.edges)

			res := h.start(t, "wf", "lead-1")
			assert.Equal(t, schema.ExecutionFailed, res.Execution)
			rec := h.execution(t, res.ExecutionID)
			assert.Contains(t, rec.Error, schema.ErrCodeConfiguration)
			assert.Equal(t, schema.OutcomeFailed, rec.StepHistory[len(rec.StepHistory)-1].Outcome)
		})
	}
}

func TestStart_UnindexableGraphFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf", []schema.Node{trigger("t1"), trigger("t2")}, nil)

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, StartStarted, res.Status)
	assert.Equal(t, schema.ExecutionFailed, res.Execution)
}

func TestMessage_DeliveryFailureContinues(t *testing.T) {
	h := newHarness(t, Config{})
	h.dispatcher.sendErr = func(int) error { return schema.NewError(schema.ErrCodeFatal, "recipient blocked") }
	h.workflow("wf",
		[]schema.Node{trigger("t"), message("m", "hi"), stop("s", "")},
		[]schema.Edge{edge("t", "m"), edge("m", "s")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionStopped, res.Execution)

	rec := h.execution(t, res.ExecutionID)
	assert.Equal(t, []string{"t:started", "m:sending", "m:send_failed", "s:stopped"}, outcomes(rec))
	assert.Equal(t, 1, h.dispatcher.attempts, "fatal errors are not retried")
}

func TestMessage_DeliveryFailureHalts(t *testing.T) {
	h := newHarness(t, Config{DeliveryPolicy: DeliveryHalt})
	h.dispatcher.sendErr = func(int) error { return errors.New("service unavailable") }
	h.workflow("wf",
		[]schema.Node{trigger("t"), message("m", "hi"), stop("s", "")},
		[]schema.Edge{edge("t", "m"), edge("m", "s")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionFailed, res.Execution)
	assert.Equal(t, 3, h.dispatcher.attempts, "first attempt plus two retries")

	rec := h.execution(t, res.ExecutionID)
	assert.Contains(t, rec.Error, schema.ErrCodeDeliveryFailed)
}

func TestMessage_TransientSendRecovers(t *testing.T) {
	h := newHarness(t, Config{})
	h.dispatcher.sendErr = func(attempt int) error {
		if attempt == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	h.workflow("wf", []schema.Node{trigger("t"), message("m", "hi")}, []schema.Edge{edge("t", "m")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionCompleted, res.Execution)
	assert.Equal(t, []string{"hi"}, h.dispatcher.Sent())
}

func TestMessage_AIGeneratesText(t *testing.T) {
	h := newHarness(t, Config{})
	h.dispatcher.generated = "Hi Ana, any questions about the quote?"
	h.workflow("wf",
		[]schema.Node{trigger("t"), {ID: "m", Config: schema.MessageConfig{Mode: schema.MessageAI, Text: "follow up on the quote"}}},
		[]schema.Edge{edge("t", "m")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionCompleted, res.Execution)
	assert.Equal(t, []string{"follow up on the quote"}, h.dispatcher.prompts)
	assert.Equal(t, []string{"Hi Ana, any questions about the quote?"}, h.dispatcher.Sent())
}

func TestMessage_EmptyGenerationIsDeliveryFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.dispatcher.generated = "   "
	h.workflow("wf",
		[]schema.Node{trigger("t"), {ID: "m", Config: schema.MessageConfig{Mode: schema.MessageAI, Text: "p"}}},
		[]schema.Edge{edge("t", "m")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionCompleted, res.Execution)
	assert.Empty(t, h.dispatcher.Sent())
	rec := h.execution(t, res.ExecutionID)
	assert.Contains(t, outcomes(rec), "m:send_failed")
}

func TestMessage_InterruptedSendIsRedispatched(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf", []schema.Node{trigger("t"), message("m", "hi")}, []schema.Edge{edge("t", "m")})

	ctx := context.Background()
	now := h.clock.Now()
	rec := &store.Execution{
		ID: "crashed", WorkflowID: "wf", LeadID: "lead-1", SenderID: "page",
		CurrentNodeID: "m", Status: schema.ExecutionRunning, LockedUntil: &now,
		CreatedAt: now, LastAdvancedAt: now,
	}
	_, err := h.store.CreateExecution(ctx, rec, store.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, h.store.AppendStep(ctx, &store.StepEntry{ExecutionID: "crashed", NodeID: "m", Outcome: schema.OutcomeSending}))

	res, err := h.engine.Resume(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, ResumeResumed, res.Status)
	assert.Equal(t, []string{"hi"}, h.dispatcher.Sent())
	assert.Equal(t, []string{"m:sending", "m:send_interrupted", "m:sending", "m:sent", "m:completed"}, outcomes(h.execution(t, "crashed")))
}

func TestMessage_SentBeforeCrashIsNotResent(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf", []schema.Node{trigger("t"), message("m", "hi")}, []schema.Edge{edge("t", "m")})

	ctx := context.Background()
	now := h.clock.Now()
	rec := &store.Execution{
		ID: "crashed", WorkflowID: "wf", LeadID: "lead-1", SenderID: "page",
		CurrentNodeID: "m", Status: schema.ExecutionRunning, LockedUntil: &now,
		CreatedAt: now, LastAdvancedAt: now,
	}
	_, err := h.store.CreateExecution(ctx, rec, store.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, h.store.AppendStep(ctx, &store.StepEntry{ExecutionID: "crashed", NodeID: "m", Outcome: schema.OutcomeSending}))
	require.NoError(t, h.store.AppendStep(ctx, &store.StepEntry{ExecutionID: "crashed", NodeID: "m", Outcome: schema.OutcomeSent}))

	_, err = h.engine.Resume(ctx, "crashed")
	require.NoError(t, err)
	assert.Empty(t, h.dispatcher.Sent())
	assert.Equal(t, schema.ExecutionCompleted, h.execution(t, "crashed").Status)
}

func TestMaxSteps_YieldsToSweep(t *testing.T) {
	h := newHarness(t, Config{MaxSteps: 2})
	h.workflow("wf",
		[]schema.Node{trigger("t"), message("a", "1"), message("b", "2"), message("c", "3")},
		[]schema.Edge{edge("t", "a"), edge("a", "b"), edge("b", "c")})

	res := h.start(t, "wf", "lead-1")
	assert.Equal(t, schema.ExecutionRunning, res.Execution)
	assert.Equal(t, []string{"1", "2"}, h.dispatcher.Sent())

	rec := h.execution(t, res.ExecutionID)
	assert.Equal(t, "c", rec.CurrentNodeID)
	assert.Contains(t, outcomes(rec), "c:yielded")

	due, err := h.engine.Due(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "yielded record is immediately due")

	resumed, err := h.engine.Resume(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, resumed.Execution)
	assert.Equal(t, []string{"1", "2", "3"}, h.dispatcher.Sent())
}

func TestApplyToExisting_SkipsCompletedLeads(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf", []schema.Node{trigger("t"), message("m", "hi")}, []schema.Edge{edge("t", "m")})

	first := h.start(t, "wf", "lead-1")
	require.Equal(t, schema.ExecutionCompleted, first.Execution)

	res, err := h.engine.Start(context.Background(), StartRequest{WorkflowID: "wf", LeadID: "lead-1", SenderID: "s", ApplyToExisting: true})
	require.NoError(t, err)
	assert.Equal(t, StartSkippedDuplicate, res.Status)
	assert.Equal(t, []string{"hi"}, h.dispatcher.Sent())
}

func TestTerminate(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf", []schema.Node{trigger("t"), wait("w", 1, schema.UnitHours)}, []schema.Edge{edge("t", "w")})
	res := h.start(t, "wf", "lead-1")
	require.Equal(t, schema.ExecutionWaiting, res.Execution)

	rec, err := h.engine.Terminate(context.Background(), res.ExecutionID, "operator")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStopped, rec.Status)
	assert.Nil(t, rec.ResumeAt)
	assert.Equal(t, "w:terminated", outcomes(rec)[len(rec.StepHistory)-1])

	_, err = h.engine.Terminate(context.Background(), res.ExecutionID, "again")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	h.clock.Advance(2 * time.Hour)
	resumed, err := h.engine.Resume(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ResumeTerminal, resumed.Status)
}

func TestStatusAndList(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf", []schema.Node{trigger("t"), wait("w", 1, schema.UnitHours)}, []schema.Edge{edge("t", "w")})
	a := h.start(t, "wf", "lead-a")
	h.start(t, "wf", "lead-b")

	rec, err := h.engine.Status(context.Background(), a.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "lead-a", rec.LeadID)
	assert.NotEmpty(t, rec.StepHistory)

	list, err := h.engine.List(context.Background(), store.ExecutionFilter{WorkflowID: "wf", Status: schema.ExecutionWaiting})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = h.engine.Status(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestResume_WorkflowDeletedFailsRecord(t *testing.T) {
	h := newHarness(t, Config{})
	h.workflow("wf", []schema.Node{trigger("t"), wait("w", 1, schema.UnitMinutes)}, []schema.Edge{edge("t", "w")})
	res := h.start(t, "wf", "lead-1")

	h.store.mu.Lock()
	delete(h.store.workflows, "wf")
	h.store.mu.Unlock()

	h.clock.Advance(time.Minute)
	_, err := h.engine.Resume(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, h.execution(t, res.ExecutionID).Status)
}
