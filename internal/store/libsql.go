package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/prodtrack/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers; the version check in CommitStep
	// still guards read-modify-write races between callers.
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

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, schedule_id, assignee_id, department_name, current_step, total_steps, steps, version, created_at, updated_at`

func (s *LibSQLStore) GetOrCreateWorkflow(ctx context.Context, wf *Workflow) (*Workflow, bool, error) {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	steps, err := marshalSteps(wf.Steps)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(schedule_id, assignee_id) DO NOTHING`,
		wf.ID, wf.ScheduleID, wf.AssigneeID, wf.DepartmentName,
		wf.CurrentStep, wf.TotalSteps, steps, versionOrInitial(wf.Version),
		timeOr(wf.CreatedAt, now), timeOr(wf.UpdatedAt, now),
	)
	if err != nil {
		return nil, false, storeError("insert workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, storeError("insert workflow", err)
	}

	stored, err := s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE schedule_id = ? AND assignee_id = ?`,
		wf.ScheduleID, wf.AssigneeID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, storeNotFound("workflow", wf.ScheduleID+"/"+wf.AssigneeID)
	}
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) CommitStep(ctx context.Context, next *Workflow, mode schema.CommitMode) error {
	baseStep, err := baseStepFor(next, mode)
	if err != nil {
		return err
	}
	steps, err := marshalSteps(next.Steps)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET current_step = ?, steps = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND current_step = ?`,
		next.CurrentStep, steps, now, next.ID, next.Version, baseStep,
	)
	if err != nil {
		return storeError("update workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("update workflow", err)
	}
	if n == 0 {
		var version int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM workflows WHERE id = ?`, next.ID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("workflow", next.ID)
		}
		if err != nil {
			return storeError("read workflow version", err)
		}
		return ConflictError(next.ID, next.Version, version)
	}

	next.Version++
	next.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}
	if filter.DepartmentName != "" {
		where = append(where, "department_name = ?")
		args = append(args, filter.DepartmentName)
	}
	if filter.Status != nil {
		switch *filter.Status {
		case schema.WorkflowStatusNotStarted:
			where = append(where, "current_step = 0")
		case schema.WorkflowStatusCompleted:
			where = append(where, "current_step >= total_steps")
		case schema.WorkflowStatusInProgress:
			where = append(where, "current_step > 0 AND current_step < total_steps")
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow status %q", *filter.Status)
		}
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *LibSQLStore) scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var stepsJSON string
	err := row.Scan(&wf.ID, &wf.ScheduleID, &wf.AssigneeID, &wf.DepartmentName,
		&wf.CurrentStep, &wf.TotalSteps, &stepsJSON, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return wf, nil
}

// --- Activity ---

func (s *LibSQLStore) AppendActivity(ctx context.Context, event *ActivityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.Timestamp = timeOr(event.Timestamp, time.Now().UTC())

	prev, err := nullableMap(event.PreviousValues)
	if err != nil {
		return fmt.Errorf("marshal previous_values: %w", err)
	}
	next, err := nullableMap(event.NewValues)
	if err != nil {
		return fmt.Errorf("marshal new_values: %w", err)
	}
	meta, err := nullableMap(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activity_events (id, actor_id, actor_name, subject_type, subject_id, action, timestamp, duration_ms, previous_values, new_values, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Actor.ID, event.Actor.DisplayName, event.SubjectType, event.SubjectID,
		event.Action, event.Timestamp, nullInt64(event.DurationMs), prev, next, meta,
	)
	if err != nil {
		return storeError("insert activity event", err)
	}
	return nil
}

func (s *LibSQLStore) ListActivity(ctx context.Context, filter ActivityFilter, order SortOrder) ([]*ActivityEvent, error) {
	var where []string
	var args []any

	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.SubjectType != "" {
		where = append(where, "subject_type = ?")
		args = append(args, filter.SubjectType)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.Until)
	}

	query := `SELECT id, actor_id, actor_name, subject_type, subject_id, action, timestamp, duration_ms, previous_values, new_values, metadata FROM activity_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if order == SortAscending {
		query += " ORDER BY timestamp ASC, rowid ASC"
	} else {
		query += " ORDER BY timestamp DESC, rowid DESC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list activity", err)
	}
	defer rows.Close()

	var events []*ActivityEvent
	for rows.Next() {
		e := &ActivityEvent{}
		var duration sql.NullInt64
		var prev, next, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor.ID, &e.Actor.DisplayName, &e.SubjectType, &e.SubjectID,
			&e.Action, &e.Timestamp, &duration, &prev, &next, &meta); err != nil {
			return nil, err
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMs = &d
		}
		for _, col := range []struct {
			name string
			raw  sql.NullString
			dst  *map[string]any
		}{
			{"previous_values", prev, &e.PreviousValues},
			{"new_values", next, &e.NewValues},
			{"metadata", meta, &e.Metadata},
		} {
			m, err := decodeMap(col.raw)
			if err != nil {
				return nil, storeError(fmt.Sprintf("decode %s of activity %s", col.name, e.ID), err)
			}
			*col.dst = m
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ProdError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.ProdError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

// ConflictError reports that workflow id moved past the expected version.
func ConflictError(id string, expected, actual int64) *schema.ProdError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"workflow %q was updated by someone else, reload and retry", id).
		WithDetails(map[string]any{"expected_version": expected, "current_version": actual})
}

// baseStepFor returns the current step the stored row must still hold for
// next to be a legal successor under mode.
func baseStepFor(next *Workflow, mode schema.CommitMode) (int, error) {
	switch mode {
	case schema.ModeComplete:
		if next.CurrentStep < 1 {
			return 0, schema.NewError(schema.ErrCodeValidation, "complete must advance current step")
		}
		return next.CurrentStep - 1, nil
	case schema.ModeEdit:
		return next.CurrentStep, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "unknown commit mode %q", mode)
	}
}

func versionOrInitial(v int64) int64 {
	if v <= 0 {
		return 1
	}
	return v
}

func timeOr(t, def time.Time) time.Time {
	if t.IsZero() {
		return def
	}
	return t
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalSteps(steps []StepRecord) (string, error) {
	if steps == nil {
		steps = []StepRecord{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("marshal steps: %w", err)
	}
	return string(b), nil
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// decodeMap reads a JSON object column. NULL and empty decode to nil; anything
// else that is not an object is an error.
func decodeMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
