package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/pkg/schema"
)

// memStore is an in-memory Store with the same create-if-absent, claim and
// version semantics as the libSQL store.
type memStore struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	execs     map[string]*store.Execution
	steps     map[string][]*store.StepEntry
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]*store.Workflow),
		execs:     make(map[string]*store.Execution),
		steps:     make(map[string][]*store.StepEntry),
	}
}

func (m *memStore) putWorkflow(wf *store.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf.SyncTrigger()
	m.workflows[wf.ID] = wf
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

func (m *memStore) CreateExecution(_ context.Context, rec *store.Execution, opts store.CreateOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.WorkflowID != rec.WorkflowID || e.LeadID != rec.LeadID {
			continue
		}
		if !e.Status.IsTerminal() || (opts.SkipIfCompleted && e.Status == schema.ExecutionCompleted) {
			return false, nil
		}
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	m.execs[rec.ID] = cloneExecution(rec)
	return true, nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *memStore) getLocked(id string) (*store.Execution, error) {
	e, ok := m.execs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	out := cloneExecution(e)
	for _, s := range m.steps[id] {
		cp := *s
		out.StepHistory = append(out.StepHistory, &cp)
	}
	return out, nil
}

func (m *memStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Execution
	for _, e := range m.execs {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.LeadID != "" && e.LeadID != filter.LeadID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListDueExecutions(_ context.Context, now time.Time, limit int) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Execution
	for _, e := range m.execs {
		if claimable(e, now) {
			out = append(out, cloneExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimExecution(_ context.Context, id string, now time.Time, lease time.Duration) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if !claimable(e, now) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is not claimable", id)
	}
	until := now.Add(lease)
	e.Status = schema.ExecutionRunning
	e.LockedUntil = &until
	e.Version++
	return m.getLocked(id)
}

func (m *memStore) UpdateExecution(_ context.Context, id string, expectedVersion int64, upd store.ExecutionUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if e.Version != expectedVersion || e.Status.IsTerminal() {
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "execution %q changed since version %d", id, expectedVersion)
	}
	if upd.Status != nil {
		e.Status = *upd.Status
	}
	if upd.CurrentNodeID != nil {
		e.CurrentNodeID = *upd.CurrentNodeID
	}
	if upd.ClearResumeAt {
		e.ResumeAt = nil
	} else if upd.ResumeAt != nil {
		t := *upd.ResumeAt
		e.ResumeAt = &t
	}
	if upd.LockedUntil != nil {
		t := *upd.LockedUntil
		e.LockedUntil = &t
	}
	if upd.RetryCount != nil {
		e.RetryCount = *upd.RetryCount
	}
	if upd.Error != nil {
		e.Error = *upd.Error
	}
	if upd.AdvancedAt != nil {
		e.LastAdvancedAt = *upd.AdvancedAt
	}
	e.Version++
	return e.Version, nil
}

func (m *memStore) AppendStep(_ context.Context, step *store.StepEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step.Sequence = int64(len(m.steps[step.ExecutionID]) + 1)
	cp := *step
	m.steps[step.ExecutionID] = append(m.steps[step.ExecutionID], &cp)
	return nil
}

func (m *memStore) ListSteps(_ context.Context, executionID string) ([]*store.StepEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.StepEntry(nil), m.steps[executionID]...), nil
}

func (m *memStore) nonTerminal(workflowID, leadID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.execs {
		if e.WorkflowID == workflowID && e.LeadID == leadID && !e.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func claimable(e *store.Execution, now time.Time) bool {
	switch e.Status {
	case schema.ExecutionWaiting:
		return e.ResumeAt != nil && !e.ResumeAt.After(now)
	case schema.ExecutionRunning:
		return e.LockedUntil == nil || !e.LockedUntil.After(now)
	}
	return false
}

func cloneExecution(e *store.Execution) *store.Execution {
	cp := *e
	cp.StepHistory = nil
	if e.ResumeAt != nil {
		t := *e.ResumeAt
		cp.ResumeAt = &t
	}
	if e.LockedUntil != nil {
		t := *e.LockedUntil
		cp.LockedUntil = &t
	}
	return &cp
}

// fakeDispatcher records sends; sendErr and genErr script failures.
type fakeDispatcher struct {
	mu        sync.Mutex
	sent      []string
	prompts   []string
	sendErr   func(attempt int) error
	generated string
	genErr    error
	attempts  int
}

func (d *fakeDispatcher) Send(_ context.Context, _ Recipient, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.sendErr != nil {
		if err := d.sendErr(d.attempts); err != nil {
			return err
		}
	}
	d.sent = append(d.sent, text)
	return nil
}

func (d *fakeDispatcher) Generate(_ context.Context, req GenerateRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prompts = append(d.prompts, req.Prompt)
	return d.generated, d.genErr
}

func (d *fakeDispatcher) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

// fakeConditions answers from a script of results, repeating the last one.
type fakeConditions struct {
	mu       sync.Mutex
	results  []conditionResult
	requests []ConditionRequest
}

type conditionResult struct {
	verdict bool
	err     error
}

func (c *fakeConditions) Evaluate(_ context.Context, req ConditionRequest) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.results) == 0 {
		return false, nil
	}
	r := c.results[0]
	if len(c.results) > 1 {
		c.results = c.results[1:]
	}
	return r.verdict, r.err
}

// harness bundles an engine with its fakes and a controllable clock.
type harness struct {
	engine     *Engine
	store      *memStore
	dispatcher *fakeDispatcher
	conditions *fakeConditions
	events     *recordingPublisher
	clock      *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:      newMemStore(),
		dispatcher: &fakeDispatcher{},
		conditions: &fakeConditions{},
		events:     &recordingPublisher{},
		clock:      &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	if cfg.MessageRetry.Delay == 0 {
		cfg.MessageRetry = RetryPolicy{MaxAttempts: 2, Backoff: BackoffConstant, Delay: time.Millisecond}
	}
	h.engine = New(h.store, h.conditions, h.dispatcher, h.events, cfg, slog.Default())
	h.engine.now = h.clock.Now
	h.engine.fsm.now = h.clock.Now
	h.engine.breakers.now = h.clock.Now
	var seq int
	var mu sync.Mutex
	h.engine.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("ex-%03d", seq)
	}
	return h
}

// workflow registers a published workflow built from nodes and edges.
func (h *harness) workflow(id string, nodes []schema.Node, edges []schema.Edge) {
	h.store.putWorkflow(&store.Workflow{ID: id, Name: id, IsPublished: true, Graph: &schema.Graph{Nodes: nodes, Edges: edges}})
}

func (h *harness) start(t *testing.T, workflowID, leadID string) *StartResult {
	t.Helper()
	res, err := h.engine.Start(context.Background(), StartRequest{WorkflowID: workflowID, LeadID: leadID, SenderID: "page-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return res
}

func (h *harness) execution(t *testing.T, id string) *store.Execution {
	t.Helper()
	rec, err := h.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	return rec
}

func outcomes(rec *store.Execution) []string {
	out := make([]string, len(rec.StepHistory))
	for i, s := range rec.StepHistory {
		out[i] = s.NodeID + ":" + string(s.Outcome)
	}
	return out
}

func trigger(id string) schema.Node {
	return schema.Node{ID: id, Config: schema.TriggerConfig{StageID: "stage-1"}}
}

func message(id, text string) schema.Node {
	return schema.Node{ID: id, Config: schema.MessageConfig{Mode: schema.MessageCustom, Text: text}}
}

func wait(id string, d int, unit schema.WaitUnit) schema.Node {
	return schema.Node{ID: id, Config: schema.WaitConfig{Duration: d, Unit: unit}}
}

func stop(id, reason string) schema.Node {
	return schema.Node{ID: id, Config: schema.StopBotConfig{Reason: reason}}
}

func condition(id string, c schema.ConditionType) schema.Node {
	return schema.Node{ID: id, Config: schema.SmartConditionConfig{Condition: c, Rule: "is interested"}}
}

func edge(from, to string) schema.Edge {
	return schema.Edge{ID: from + "-" + to, Source: from, Target: to}
}

func branch(from, to, label string) schema.Edge {
	return schema.Edge{ID: from + "-" + to, Source: from, Target: to, SourceHandle: label}
}
