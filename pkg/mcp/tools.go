package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/internal/trigger"
	"github.com/rendis/nurture/pkg/schema"
)

// handleDefine stores a workflow as a draft. The graph is validated and the
// result returned, but an invalid draft is still saved; only publishing
// requires a valid graph. A published workflow must be unpublished before it
// can be redefined.
func (s *NurtureServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	graph, errResult := parseGraphArg(req)
	if errResult != nil {
		return errResult, nil
	}

	wf := &store.Workflow{
		ID:          req.GetString("id", ""),
		Name:        name,
		Description: req.GetString("description", ""),
		Graph:       graph,
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	} else if existing, getErr := s.workflows.GetWorkflow(ctx, wf.ID); getErr == nil {
		if existing.IsPublished {
			return mcp.NewToolResultError(schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %q is published; unpublish it before redefining", wf.ID).Error()), nil
		}
		wf.CreatedAt = existing.CreatedAt
	}

	if saveErr := s.workflows.SaveWorkflow(ctx, wf); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save workflow: %v", saveErr)), nil
	}

	return marshalResult(map[string]any{
		"id":                wf.ID,
		"trigger_stage_id":  wf.TriggerStageID,
		"apply_to_existing": wf.ApplyToExisting,
		"is_published":      wf.IsPublished,
		"validation":        s.graphs.Validate(graph),
	})
}

// handleValidate runs the publish-time checks on a graph.
func (s *NurtureServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graph, errResult := parseGraphArg(req)
	if errResult != nil {
		return errResult, nil
	}
	result := s.graphs.Validate(graph)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
		"by_node":  result.ByNode(),
	})
}

// handlePublish toggles the publish flag, optionally waiting for the backfill.
func (s *NurtureServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	published, err := req.RequireBool("is_published")
	if err != nil {
		return mcp.NewToolResultError("is_published is required"), nil
	}

	pr := trigger.PublishRequest{WorkflowID: workflowID, Published: published}
	if _, ok := req.GetArguments()["apply_to_existing"]; ok {
		apply := req.GetBool("apply_to_existing", false)
		pr.ApplyToExisting = &apply
	}

	res, pubErr := s.publisher.Publish(ctx, pr)
	if pubErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("publish failed: %v", pubErr)), nil
	}

	out := map[string]any{
		"workflow_id":   res.WorkflowID,
		"was_published": res.WasPublished,
		"is_published":  res.IsPublished,
		"backfill":      "none",
	}
	if res.Backfill != nil {
		out["backfill"] = "submitted"
		if req.GetBool("wait", false) {
			out["backfill"] = res.Backfill.Wait()
		}
	}
	return marshalResult(out)
}

// handleStart runs a workflow for one lead. Missing fields are reported by
// the engine, which names all of them.
func (s *NurtureServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.engine.Start(ctx, engine.StartRequest{
		WorkflowID: req.GetString("workflow_id", ""),
		LeadID:     req.GetString("lead_id", ""),
		SenderID:   req.GetString("sender_id", ""),
		Manual:     req.GetBool("manual", false),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	return marshalResult(res)
}

// handleStageEntry feeds a stage entry to the trigger listener.
func (s *NurtureServer) handleStageEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entry := &schema.StageEntry{
		LeadID:   req.GetString("lead_id", ""),
		SenderID: req.GetString("sender_id", ""),
		StageID:  req.GetString("stage_id", ""),
		LeadName: req.GetString("lead_name", ""),
	}
	if err := s.stages.HandleStageEntry(ctx, entry); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stage entry failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "lead_id": entry.LeadID, "stage_id": entry.StageID})
}

// handleStatus returns an execution and its step history.
func (s *NurtureServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	rec, statusErr := s.engine.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(rec)
}

// handleList lists executions by workflow, lead and status.
func (s *NurtureServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	filter := store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		LeadID:     req.GetString("lead_id", ""),
		Limit:      extractInt(args, "limit", 50),
		Offset:     extractInt(args, "offset", 0),
	}
	if status := req.GetString("status", ""); status != "" {
		st := schema.ExecutionStatus(status)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", status)), nil
		}
		filter.Status = st
	}

	execs, err := s.engine.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	return marshalResult(map[string]any{"executions": execs})
}

// handleResume resumes one execution.
func (s *NurtureServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	res, resumeErr := s.engine.Resume(ctx, executionID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(res)
}

// handleTerminate stops an execution early.
func (s *NurtureServer) handleTerminate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	rec, termErr := s.engine.Terminate(ctx, executionID, req.GetString("reason", ""))
	if termErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("terminate failed: %v", termErr)), nil
	}
	return marshalResult(rec)
}

// handleSweep runs one sweep and waits for its resumes.
func (s *NurtureServer) handleSweep(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	run, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sweep failed: %v", err)), nil
	}
	return marshalResult(run.Wait())
}

// handleWatch subscribes the calling session to a workflow's events.
func (s *NurtureServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch needs a session; connect over streamable HTTP"), nil
	}

	if req.GetBool("stop", false) {
		s.watchers.Unwatch(workflowID, session.SessionID())
		return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID, "watching": false})
	}
	s.watchers.Watch(workflowID, session.SessionID())
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID, "watching": true})
}

// --- Helpers ---

// parseGraphArg decodes the "graph" object argument through the persisted
// graph codec, so defaults apply exactly as they do on load.
func parseGraphArg(req mcp.CallToolRequest) (*schema.Graph, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "graph", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("graph is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
	}
	graph, err := schema.ParseGraph(data)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
	}
	return graph, nil
}

// extractInt reads an integer from a map, handling float64/int/string.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
