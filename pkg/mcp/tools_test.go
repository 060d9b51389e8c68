package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/scheduler"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/internal/trigger"
	"github.com/rendis/nurture/internal/validation"
	"github.com/rendis/nurture/pkg/schema"
)

// --- Mocks ---

type mockEngine struct {
	startReq    engine.StartRequest
	startResult *engine.StartResult
	startErr    error

	resumeResult *engine.ResumeResult
	terminated   string
	reason       string
	filter       store.ExecutionFilter
	execs        []*store.Execution
	err          error
}

func (m *mockEngine) Start(_ context.Context, req engine.StartRequest) (*engine.StartResult, error) {
	m.startReq = req
	return m.startResult, m.startErr
}

func (m *mockEngine) Resume(_ context.Context, id string) (*engine.ResumeResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.resumeResult, nil
}

func (m *mockEngine) Terminate(_ context.Context, id, reason string) (*store.Execution, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.terminated, m.reason = id, reason
	return &store.Execution{ID: id, Status: schema.ExecutionStopped}, nil
}

func (m *mockEngine) Status(_ context.Context, id string) (*store.Execution, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, e := range m.execs {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found")
}

func (m *mockEngine) List(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	m.filter = filter
	return m.execs, m.err
}

// mockWorkflows is an in-memory store.WorkflowStore.
type mockWorkflows struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
}

func newMockWorkflows() *mockWorkflows {
	return &mockWorkflows{workflows: make(map[string]*store.Workflow)}
}

func (m *mockWorkflows) SaveWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf.SyncTrigger()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *mockWorkflows) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
	}
	cp := *wf
	return &cp, nil
}

func (m *mockWorkflows) ListWorkflows(context.Context, store.WorkflowFilter) ([]*store.Workflow, error) {
	return nil, nil
}

func (m *mockWorkflows) SetPublished(context.Context, string, bool) (bool, error) {
	return false, nil
}

func (m *mockWorkflows) DeleteWorkflow(context.Context, string) error {
	return nil
}

type mockPublisher struct {
	req trigger.PublishRequest
	res *trigger.PublishResult
	err error
}

func (m *mockPublisher) Publish(_ context.Context, req trigger.PublishRequest) (*trigger.PublishResult, error) {
	m.req = req
	return m.res, m.err
}

type mockSweeper struct {
	err error
}

func (m *mockSweeper) Sweep(context.Context) (*scheduler.SweepRun, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &scheduler.SweepRun{}, nil
}

type mockStages struct {
	entries []*schema.StageEntry
	err     error
}

func (m *mockStages) HandleStageEntry(_ context.Context, entry *schema.StageEntry) error {
	m.entries = append(m.entries, entry)
	return m.err
}

// fakeSession is a connected, initialized client session.
type fakeSession struct {
	id    string
	notes chan mcp.JSONRPCNotification
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, notes: make(chan mcp.JSONRPCNotification, 8)}
}

func (f *fakeSession) Initialize()                                         {}
func (f *fakeSession) Initialized() bool                                   { return true }
func (f *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return f.notes }
func (f *fakeSession) SessionID() string                                   { return f.id }

// --- Helper ---

type fixture struct {
	server    *NurtureServer
	engine    *mockEngine
	workflows *mockWorkflows
	publisher *mockPublisher
	sweeper   *mockSweeper
	stages    *mockStages
	notifier  *Notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	graphs, err := validation.NewGraphValidator()
	require.NoError(t, err)
	f := &fixture{
		engine:    &mockEngine{},
		workflows: newMockWorkflows(),
		publisher: &mockPublisher{},
		sweeper:   &mockSweeper{},
		stages:    &mockStages{},
	}
	watchers := NewWatchRegistry()
	f.notifier = NewNotifier(watchers)
	f.server = NewNurtureServer(NurtureServerDeps{
		Engine:    f.engine,
		Workflows: f.workflows,
		Publisher: f.publisher,
		Sweeper:   f.sweeper,
		Stages:    f.stages,
		Graphs:    graphs,
		Watchers:  watchers,
		Notifier:  f.notifier,
	})
	return f
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// editorGraph is trigger -> message in the editor's wire layout.
func editorGraph() map[string]any {
	return map[string]any{
		"nodes": []any{
			map[string]any{"id": "t", "type": "trigger", "data": map[string]any{
				"type": "trigger", "triggerStageId": "stage-new", "applyToExisting": true,
			}},
			map[string]any{"id": "m", "type": "message", "data": map[string]any{
				"type": "message", "messageMode": "custom", "messageText": "Welcome!",
			}},
		},
		"edges": []any{
			map[string]any{"id": "e1", "source": "t", "target": "m"},
		},
	}
}

// --- Tests ---

func TestDefineTool(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleDefine(context.Background(), buildRequest("nurture.define", map[string]any{
		"id":    "wf-1",
		"name":  "Welcome",
		"graph": editorGraph(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		ID              string                   `json:"id"`
		TriggerStageID  string                   `json:"trigger_stage_id"`
		ApplyToExisting bool                     `json:"apply_to_existing"`
		Validation      *schema.ValidationResult `json:"validation"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "wf-1", out.ID)
	assert.Equal(t, "stage-new", out.TriggerStageID)
	assert.True(t, out.ApplyToExisting)
	assert.True(t, out.Validation.Valid())

	stored, err := f.workflows.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, stored.Graph.Nodes, 2)
	assert.Equal(t, schema.MessageConfig{Mode: schema.MessageCustom, Text: "Welcome!"}, stored.Graph.Nodes[1].Config)
}

func TestDefineToolGeneratesID(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleDefine(context.Background(), buildRequest("nurture.define", map[string]any{
		"name": "Draft", "graph": editorGraph(),
	}))
	require.NoError(t, err)
	var out struct {
		ID          string `json:"id"`
		IsPublished bool   `json:"is_published"`
	}
	unmarshalResult(t, result, &out)
	assert.NotEmpty(t, out.ID)
	assert.False(t, out.IsPublished)
}

func TestDefineToolRejectsPublishedWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	live := &schema.Graph{
		Nodes: []schema.Node{
			{ID: "t", Config: schema.TriggerConfig{StageID: "new"}},
			{ID: "m", Config: schema.MessageConfig{Mode: schema.MessageCustom, Text: "Hi"}},
		},
		Edges: []schema.Edge{{Source: "t", Target: "m"}},
	}
	require.NoError(t, f.workflows.SaveWorkflow(ctx, &store.Workflow{ID: "live", Name: "Live", Graph: live, IsPublished: true}))

	result, err := f.server.handleDefine(ctx, buildRequest("nurture.define", map[string]any{
		"id": "live", "name": "Live v2",
		"graph": map[string]any{"nodes": []any{
			map[string]any{"id": "m", "type": "message", "data": map[string]any{
				"type": "message", "messageMode": "custom", "messageText": "Bye",
			}},
		}},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConflict)

	wf, err := f.workflows.GetWorkflow(ctx, "live")
	require.NoError(t, err)
	assert.True(t, wf.IsPublished)
	assert.Equal(t, "Live", wf.Name)
	assert.Equal(t, live, wf.Graph)
}

func TestDefineToolUpdatesDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.workflows.SaveWorkflow(ctx, &store.Workflow{ID: "draft", Name: "Draft", Graph: &schema.Graph{}}))

	result, err := f.server.handleDefine(ctx, buildRequest("nurture.define", map[string]any{
		"id": "draft", "name": "Draft v2", "graph": editorGraph(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	wf, err := f.workflows.GetWorkflow(ctx, "draft")
	require.NoError(t, err)
	assert.Equal(t, "Draft v2", wf.Name)
	assert.False(t, wf.IsPublished)
}

func TestDefineToolMissingParams(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleDefine(context.Background(), buildRequest("nurture.define", map[string]any{"graph": editorGraph()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = f.server.handleDefine(context.Background(), buildRequest("nurture.define", map[string]any{"name": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "graph is required")
}

func TestValidateTool(t *testing.T) {
	f := newFixture(t)
	g := editorGraph()
	g["edges"] = append(g["edges"].([]any), map[string]any{"source": "m", "target": "ghost"})

	result, err := f.server.handleValidate(context.Background(), buildRequest("nurture.validate", map[string]any{"graph": g}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Valid  bool                                `json:"valid"`
		Errors []schema.ValidationIssue            `json:"errors"`
		ByNode map[string][]schema.ValidationIssue `json:"by_node"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.ByNode[""], "a dangling edge is a graph-level issue")
	require.NotEmpty(t, out.Errors)
	var messages []string
	for _, issue := range out.Errors {
		messages = append(messages, issue.Message)
	}
	assert.Contains(t, messages, `edge target "ghost" does not exist`)
}

func TestPublishTool(t *testing.T) {
	f := newFixture(t)
	f.publisher.res = &trigger.PublishResult{WorkflowID: "wf-1", IsPublished: true, Backfill: &trigger.BackfillRun{}}

	result, err := f.server.handlePublish(context.Background(), buildRequest("nurture.publish", map[string]any{
		"workflow_id": "wf-1", "is_published": true, "wait": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Nil(t, f.publisher.req.ApplyToExisting, "flag not given")
	assert.True(t, f.publisher.req.Published)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.IsType(t, map[string]any{}, out["backfill"])

	_, err = f.server.handlePublish(context.Background(), buildRequest("nurture.publish", map[string]any{
		"workflow_id": "wf-1", "is_published": true, "apply_to_existing": false,
	}))
	require.NoError(t, err)
	require.NotNil(t, f.publisher.req.ApplyToExisting)
	assert.False(t, *f.publisher.req.ApplyToExisting)
}

func TestPublishToolErrors(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handlePublish(context.Background(), buildRequest("nurture.publish", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	f.publisher.err = schema.NewError(schema.ErrCodeValidation, "graph has no trigger node")
	result, err = f.server.handlePublish(context.Background(), buildRequest("nurture.publish", map[string]any{
		"workflow_id": "wf-1", "is_published": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "no trigger node")
}

func TestStartTool(t *testing.T) {
	f := newFixture(t)
	f.engine.startResult = &engine.StartResult{Status: engine.StartStarted, ExecutionID: "ex-1", Execution: schema.ExecutionWaiting}

	result, err := f.server.handleStart(context.Background(), buildRequest("nurture.start", map[string]any{
		"workflow_id": "wf-1", "lead_id": "lead-1", "sender_id": "psid-1", "manual": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, engine.StartRequest{WorkflowID: "wf-1", LeadID: "lead-1", SenderID: "psid-1", Manual: true}, f.engine.startReq)

	var out engine.StartResult
	unmarshalResult(t, result, &out)
	assert.Equal(t, engine.StartStarted, out.Status)
	assert.Equal(t, "ex-1", out.ExecutionID)
}

func TestStartToolEngineError(t *testing.T) {
	f := newFixture(t)
	f.engine.startErr = schema.NewError(schema.ErrCodeValidation, "missing required fields: lead_id, sender_id")

	result, err := f.server.handleStart(context.Background(), buildRequest("nurture.start", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "lead_id, sender_id")
}

func TestStageEntryTool(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleStageEntry(context.Background(), buildRequest("nurture.stage_entry", map[string]any{
		"lead_id": "lead-1", "sender_id": "psid-1", "stage_id": "stage-new", "lead_name": "Ana",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, f.stages.entries, 1)
	assert.Equal(t, schema.StageEntry{LeadID: "lead-1", SenderID: "psid-1", StageID: "stage-new", LeadName: "Ana"}, *f.stages.entries[0])
}

func TestStatusTool(t *testing.T) {
	f := newFixture(t)
	f.engine.execs = []*store.Execution{{
		ID: "ex-1", Status: schema.ExecutionCompleted,
		StepHistory: []*store.StepEntry{{ExecutionID: "ex-1", Sequence: 1, NodeID: "t", Outcome: schema.OutcomeStarted, Timestamp: time.Now().UTC()}},
	}}

	result, err := f.server.handleStatus(context.Background(), buildRequest("nurture.status", map[string]any{"execution_id": "ex-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var rec store.Execution
	unmarshalResult(t, result, &rec)
	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
	assert.Len(t, rec.StepHistory, 1)

	result, err = f.server.handleStatus(context.Background(), buildRequest("nurture.status", map[string]any{"execution_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = f.server.handleStatus(context.Background(), buildRequest("nurture.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListTool(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleList(context.Background(), buildRequest("nurture.list", map[string]any{
		"workflow_id": "wf-1", "status": "waiting", "limit": float64(10),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, store.ExecutionFilter{WorkflowID: "wf-1", Status: schema.ExecutionWaiting, Limit: 10}, f.engine.filter)

	var out map[string][]any
	unmarshalResult(t, result, &out)
	assert.NotNil(t, out["executions"])
	assert.Empty(t, out["executions"])

	result, err = f.server.handleList(context.Background(), buildRequest("nurture.list", map[string]any{"status": "paused"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResumeAndTerminateTools(t *testing.T) {
	f := newFixture(t)
	f.engine.resumeResult = &engine.ResumeResult{Status: engine.ResumeNotDue, ExecutionID: "ex-1"}

	result, err := f.server.handleResume(context.Background(), buildRequest("nurture.resume", map[string]any{"execution_id": "ex-1"}))
	require.NoError(t, err)
	var res engine.ResumeResult
	unmarshalResult(t, result, &res)
	assert.Equal(t, engine.ResumeNotDue, res.Status)

	result, err = f.server.handleTerminate(context.Background(), buildRequest("nurture.terminate", map[string]any{
		"execution_id": "ex-1", "reason": "lead asked to stop",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "ex-1", f.engine.terminated)
	assert.Equal(t, "lead asked to stop", f.engine.reason)

	f.engine.err = schema.NewError(schema.ErrCodeInvalidTransition, "execution is completed")
	result, err = f.server.handleTerminate(context.Background(), buildRequest("nurture.terminate", map[string]any{"execution_id": "ex-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSweepTool(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleSweep(context.Background(), buildRequest("nurture.sweep", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var summary scheduler.SweepSummary
	unmarshalResult(t, result, &summary)
	assert.Zero(t, summary.Due)

	f.sweeper.err = assert.AnError
	result, err = f.server.handleSweep(context.Background(), buildRequest("nurture.sweep", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWatchToolRequiresSession(t *testing.T) {
	f := newFixture(t)

	result, err := f.server.handleWatch(context.Background(), buildRequest("nurture.watch", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWatchDeliversExecutionEvents(t *testing.T) {
	f := newFixture(t)
	session := newFakeSession("session-1")
	require.NoError(t, f.server.mcpServer.RegisterSession(context.Background(), session))
	ctx := f.server.mcpServer.WithContext(context.Background(), session)

	result, err := f.server.handleWatch(ctx, buildRequest("nurture.watch", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.NoError(t, f.notifier.PublishExecutionEvent(ctx, &schema.ExecutionEvent{
		Type: schema.EventExecutionCompleted, ExecutionID: "ex-1", WorkflowID: "wf-1",
	}))
	select {
	case note := <-session.notes:
		assert.Equal(t, NotificationMethod, note.Method)
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}

	// Other workflows are not delivered.
	require.NoError(t, f.notifier.PublishExecutionEvent(ctx, &schema.ExecutionEvent{WorkflowID: "wf-2"}))
	assert.Empty(t, session.notes)

	result, err = f.server.handleWatch(ctx, buildRequest("nurture.watch", map[string]any{"workflow_id": "wf-1", "stop": true}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Empty(t, f.server.watchers.SessionsFor("wf-1"))
}

func TestNotifierForgetsVanishedSessions(t *testing.T) {
	f := newFixture(t)
	f.server.watchers.Watch("wf-1", "gone")

	require.NoError(t, f.notifier.PublishExecutionEvent(context.Background(), &schema.ExecutionEvent{WorkflowID: "wf-1"}))
	assert.Empty(t, f.server.watchers.SessionsFor("wf-1"))
}

func TestNotifierUnboundIsInert(t *testing.T) {
	n := NewNotifier(NewWatchRegistry())
	assert.NoError(t, n.PublishExecutionEvent(context.Background(), &schema.ExecutionEvent{WorkflowID: "wf-1"}))
}

var _ server.ClientSession = (*fakeSession)(nil)
