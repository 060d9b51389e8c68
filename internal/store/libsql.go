package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/nurture/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/nurture.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serialises writers; every multi-row invariant below relies on it.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if wf.Graph == nil {
		wf.Graph = &schema.Graph{}
	}
	wf.SyncTrigger()
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, graph, trigger_stage_id, is_published, apply_to_existing, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   graph = excluded.graph,
		   trigger_stage_id = excluded.trigger_stage_id,
		   apply_to_existing = excluded.apply_to_existing,
		   updated_at = excluded.updated_at
		 WHERE workflows.is_published = 0`,
		wf.ID, wf.Name, nullStr(wf.Description), string(graph), nullStr(wf.TriggerStageID),
		boolInt(wf.IsPublished), boolInt(wf.ApplyToExisting), toMillis(wf.CreatedAt), toMillis(wf.UpdatedAt),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is published; unpublish it before changing its graph", wf.ID)
	}
	return nil
}

const workflowColumns = `id, name, description, graph, trigger_stage_id, is_published, apply_to_existing, created_at, updated_at`

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any
	if filter.TriggerStageID != "" {
		where = append(where, "trigger_stage_id = ?")
		args = append(args, filter.TriggerStageID)
	}
	if filter.Published != nil {
		where = append(where, "is_published = ?")
		args = append(args, boolInt(*filter.Published))
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SetPublished(ctx context.Context, id string, published bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var was bool
	err = tx.QueryRowContext(ctx, `SELECT is_published FROM workflows WHERE id = ?`, id).Scan(&was)
	if err == sql.ErrNoRows {
		return false, storeNotFound("workflow", id)
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET is_published = ?, updated_at = ? WHERE id = ?`,
		boolInt(published), toMillis(time.Now()), id,
	); err != nil {
		return false, err
	}
	return was, tx.Commit()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(row scanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		description, stageID sql.NullString
		graphJSON            string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&wf.ID, &wf.Name, &description, &graphJSON, &stageID,
		&wf.IsPublished, &wf.ApplyToExisting, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	graph, err := schema.ParseGraph([]byte(graphJSON))
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	wf.Graph = graph
	wf.Description = description.String
	wf.TriggerStageID = stageID.String
	wf.CreatedAt = fromMillis(createdAt)
	wf.UpdatedAt = fromMillis(updatedAt)
	return wf, nil
}

// --- Leads ---

func (s *LibSQLStore) UpsertLead(ctx context.Context, lead *Lead) error {
	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, name, sender_id, stage_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, sender_id = excluded.sender_id,
		   stage_id = excluded.stage_id, updated_at = excluded.updated_at`,
		lead.ID, nullStr(lead.Name), lead.SenderID, lead.StageID, toMillis(lead.CreatedAt), toMillis(lead.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, sender_id, stage_id, created_at, updated_at FROM leads WHERE id = ?`, id)
	lead, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("lead", id)
	}
	return lead, err
}

func (s *LibSQLStore) ListLeadsInStage(ctx context.Context, stageID string) ([]*Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, sender_id, stage_id, created_at, updated_at FROM leads WHERE stage_id = ? ORDER BY created_at ASC`,
		stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

func scanLead(row scanner) (*Lead, error) {
	l := &Lead{}
	var name sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&l.ID, &name, &l.SenderID, &l.StageID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.Name = name.String
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return l, nil
}

// --- Conversation ---

func (s *LibSQLStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = timeOrNow(msg.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, lead_id, direction, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.LeadID, string(msg.Direction), msg.Text, toMillis(msg.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*Message, error) {
	where := []string{"lead_id = ?"}
	args := []any{filter.LeadID}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(filter.Direction))
	}
	if filter.Since != nil {
		where = append(where, "created_at > ?")
		args = append(args, toMillis(*filter.Since))
	}
	inner := `SELECT id, lead_id, direction, text, created_at FROM messages WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		inner += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM (`+inner+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var direction string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.LeadID, &direction, &m.Text, &createdAt); err != nil {
			return nil, err
		}
		m.Direction = schema.MessageDirection(direction)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) HasInboundSince(ctx context.Context, leadID string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE lead_id = ? AND direction = 'inbound' AND created_at > ?)`,
		leadID, toMillis(since),
	).Scan(&exists)
	return exists, err
}

// --- Executions ---

const executionColumns = `id, workflow_id, lead_id, sender_id, current_node_id, status, resume_at, locked_until,
	retry_count, version, manual, error, created_at, last_advanced_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *Execution, opts CreateOptions) (bool, error) {
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	if rec.LastAdvancedAt.IsZero() {
		rec.LastAdvancedAt = rec.CreatedAt
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	// The partial unique index ux_executions_active turns a concurrent second
	// insert for the same pair into a no-op.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT (? AND EXISTS (
		   SELECT 1 FROM executions WHERE workflow_id = ? AND lead_id = ? AND status = 'completed'))
		 ON CONFLICT DO NOTHING`,
		rec.ID, rec.WorkflowID, rec.LeadID, rec.SenderID, nullStr(rec.CurrentNodeID), string(rec.Status),
		nullMillis(rec.ResumeAt), nullMillis(rec.LockedUntil), rec.RetryCount, rec.Version, boolInt(rec.Manual),
		nullStr(rec.Error), toMillis(rec.CreatedAt), toMillis(rec.LastAdvancedAt),
		boolInt(opts.SkipIfCompleted), rec.WorkflowID, rec.LeadID,
	)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	rec.StepHistory, err = s.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.LeadID != "" {
		where = append(where, "lead_id = ?")
		args = append(args, filter.LeadID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query, args = paginate(query, args, filter.Limit, filter.Offset)
	return s.queryExecutions(ctx, query, args...)
}

func (s *LibSQLStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*Execution, error) {
	ms := toMillis(now)
	query := `SELECT ` + executionColumns + ` FROM executions
		WHERE (status = 'waiting' AND resume_at <= ?)
		   OR (status = 'running' AND (locked_until IS NULL OR locked_until <= ?))
		ORDER BY COALESCE(resume_at, locked_until, created_at) ASC`
	args := []any{ms, ms}
	query, args = paginate(query, args, limit, 0)
	return s.queryExecutions(ctx, query, args...)
}

func (s *LibSQLStore) ClaimExecution(ctx context.Context, id string, now time.Time, lease time.Duration) (*Execution, error) {
	ms := toMillis(now)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = 'running', locked_until = ?, version = version + 1
		 WHERE id = ?
		   AND ((status = 'waiting' AND resume_at <= ?)
		     OR (status = 'running' AND (locked_until IS NULL OR locked_until <= ?)))`,
		toMillis(now.Add(lease)), id, ms, ms,
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "claim execution").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is not claimable", id)
	}
	return s.GetExecution(ctx, id)
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, expectedVersion int64, update ExecutionUpdate) (int64, error) {
	sets := []string{"version = version + 1"}
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.ClearResumeAt {
		sets = append(sets, "resume_at = NULL")
	} else if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, toMillis(*update.ResumeAt))
	}
	if update.LockedUntil != nil {
		sets = append(sets, "locked_until = ?")
		args = append(args, toMillis(*update.LockedUntil))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.AdvancedAt != nil {
		sets = append(sets, "last_advanced_at = ?")
		args = append(args, toMillis(*update.AdvancedAt))
	}

	args = append(args, id, expectedVersion)
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+strings.Join(sets, ", ")+`
		 WHERE id = ? AND version = ? AND status IN ('running', 'waiting')`,
		args...,
	)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "update execution").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return 0, err
		}
		return 0, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q changed since version %d", id, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (s *LibSQLStore) AppendStep(ctx context.Context, step *StepEntry) error {
	step.Timestamp = timeOrNow(step.Timestamp)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO execution_steps (execution_id, sequence, node_id, outcome, detail, timestamp)
		 SELECT ?, COALESCE(MAX(sequence), 0) + 1, ?, ?, ?, ? FROM execution_steps WHERE execution_id = ?
		 RETURNING sequence`,
		step.ExecutionID, step.NodeID, string(step.Outcome), nullStr(step.Detail), toMillis(step.Timestamp),
		step.ExecutionID,
	).Scan(&step.Sequence)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "append step").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListSteps(ctx context.Context, executionID string) ([]*StepEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, sequence, node_id, outcome, detail, timestamp
		 FROM execution_steps WHERE execution_id = ? ORDER BY sequence ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepEntry
	for rows.Next() {
		st := &StepEntry{}
		var outcome string
		var detail sql.NullString
		var ts int64
		if err := rows.Scan(&st.ExecutionID, &st.Sequence, &st.NodeID, &outcome, &detail, &ts); err != nil {
			return nil, err
		}
		st.Outcome = schema.StepOutcome(outcome)
		st.Detail = detail.String
		st.Timestamp = fromMillis(ts)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanExecution(row scanner) (*Execution, error) {
	e := &Execution{}
	var (
		nodeID, errMsg        sql.NullString
		status                string
		resumeAt, lockedUntil sql.NullInt64
		createdAt, advancedAt int64
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.LeadID, &e.SenderID, &nodeID, &status, &resumeAt, &lockedUntil,
		&e.RetryCount, &e.Version, &e.Manual, &errMsg, &createdAt, &advancedAt); err != nil {
		return nil, err
	}
	e.CurrentNodeID = nodeID.String
	e.Status = schema.ExecutionStatus(status)
	e.ResumeAt = millisOrNil(resumeAt)
	e.LockedUntil = millisOrNil(lockedUntil)
	e.Error = errMsg.String
	e.CreatedAt = fromMillis(createdAt)
	e.LastAdvancedAt = fromMillis(advancedAt)
	return e, nil
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.NurtureError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return query, args
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// Timestamps are stored as unix milliseconds so range predicates compare numerically.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func millisOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
