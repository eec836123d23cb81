package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/a2aflow/host/internal/common/apperror"
	sqliteutil "github.com/a2aflow/host/internal/common/sqlite"
	"github.com/a2aflow/host/internal/scheduler"
)

// SQLiteStore is the local/dev backend, used whenever DatabaseConfig.URL is
// unset (spec §6.5: DATABASE_URL unset → local persistence).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if absent) a SQLite database at path and
// initializes its schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := ensureSQLiteDir(path); err != nil {
		return nil, fmt.Errorf("prepare sqlite path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite supports one writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func ensureSQLiteDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name TEXT,
			role TEXT,
			description TEXT,
			skills TEXT,
			color TEXT,
			created_at TIMESTAMP NOT NULL,
			last_login TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT,
			goal TEXT,
			category TEXT,
			steps TEXT NOT NULL,
			edges TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS active_workflows (
			session_id TEXT PRIMARY KEY,
			workflow_ids TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_files (
			session_id TEXT NOT NULL,
			file_id TEXT NOT NULL,
			name TEXT,
			uri TEXT,
			mime_type TEXT,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, file_id)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			session_id TEXT,
			type TEXT NOT NULL,
			run_at TIMESTAMP,
			interval_minutes INTEGER,
			time_of_day TEXT,
			days_of_week TEXT,
			day_of_month INTEGER,
			cron_expr TEXT,
			timezone TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			run_count INTEGER NOT NULL DEFAULT 0,
			max_runs INTEGER,
			timeout_s INTEGER,
			retry_on_failure INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER,
			last_run_at TIMESTAMP,
			next_run_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			schedule_id TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			execution_time_s REAL,
			result_excerpt TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_history_schedule_id ON schedule_history(schedule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_user_id ON workflows(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	// EnsureColumn demonstrates the additive-migration path for columns added
	// after a table already shipped (spec's repo adapters carry this pattern
	// from the teacher's SQLite migrations).
	if err := sqliteutil.EnsureColumn(s.db, "schedules", "max_retries", "INTEGER"); err != nil {
		return err
	}
	return nil
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	skills, _ := json.Marshal(u.Skills)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, email, password_hash, name, role, description, skills, color, created_at, last_login)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.UserID, u.Email, u.PasswordHash, u.Name, u.Role, u.Description, string(skills), u.Color, u.CreatedAt, u.LastLogin)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "create user", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, password_hash, name, role, description, skills, color, created_at, last_login
		 FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, password_hash, name, role, description, skills, color, created_at, last_login
		 FROM users WHERE user_id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var skills string
	var lastLogin sql.NullTime
	if err := row.Scan(&u.UserID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.Description, &skills, &u.Color, &u.CreatedAt, &lastLogin); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.New(apperror.KindNotFound, "user not found")
		}
		return nil, apperror.Wrap(apperror.KindStore, "scan user", err)
	}
	_ = json.Unmarshal([]byte(skills), &u.Skills)
	if lastLogin.Valid {
		u.LastLogin = &lastLogin.Time
	}
	return &u, nil
}

func (s *SQLiteStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE user_id = ?`, at, id)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "touch last login", err)
	}
	return nil
}

// --- Workflows ---

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	steps, edges, err := marshalWorkflowGraph(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, user_id, name, goal, category, steps, edges, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		w.WorkflowID, w.UserID, w.Name, w.Goal, w.Category, steps, edges, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "create workflow", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	steps, edges, err := marshalWorkflowGraph(w)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name=?, goal=?, category=?, steps=?, edges=?, updated_at=? WHERE workflow_id=?`,
		w.Name, w.Goal, w.Category, steps, edges, w.UpdatedAt, w.WorkflowID)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "update workflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.KindNotFound, "workflow not found")
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE workflow_id=?`, id); err != nil {
		return apperror.Wrap(apperror.KindStore, "delete workflow", err)
	}
	return nil // idempotent, spec §4.2/P7 pattern applied uniformly
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, user_id, name, goal, category, steps, edges, created_at, updated_at
		 FROM workflows WHERE workflow_id = ?`, id)
	return scanWorkflow(row)
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, userID string) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, user_id, name, goal, category, steps, edges, created_at, updated_at
		 FROM workflows WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "list workflows", err)
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func (s *SQLiteStore) ListAllWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, user_id, name, goal, category, steps, edges, created_at, updated_at
		 FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "list all workflows", err)
	}
	defer rows.Close()
	return scanWorkflows(rows)
}

func marshalWorkflowGraph(w *Workflow) (string, string, error) {
	steps, err := json.Marshal(w.Steps)
	if err != nil {
		return "", "", apperror.Wrap(apperror.KindValidation, "marshal steps", err)
	}
	edges, err := json.Marshal(w.Edges)
	if err != nil {
		return "", "", apperror.Wrap(apperror.KindValidation, "marshal edges", err)
	}
	return string(steps), string(edges), nil
}

func scanWorkflow(row *sql.Row) (*Workflow, error) {
	var w Workflow
	var steps, edges string
	if err := row.Scan(&w.WorkflowID, &w.UserID, &w.Name, &w.Goal, &w.Category, &steps, &edges, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.New(apperror.KindNotFound, "workflow not found")
		}
		return nil, apperror.Wrap(apperror.KindStore, "scan workflow", err)
	}
	if err := json.Unmarshal([]byte(steps), &w.Steps); err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "unmarshal steps", err)
	}
	if err := json.Unmarshal([]byte(edges), &w.Edges); err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "unmarshal edges", err)
	}
	return &w, nil
}

func scanWorkflows(rows *sql.Rows) ([]*Workflow, error) {
	var out []*Workflow
	for rows.Next() {
		var w Workflow
		var steps, edges string
		if err := rows.Scan(&w.WorkflowID, &w.UserID, &w.Name, &w.Goal, &w.Category, &steps, &edges, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, apperror.Wrap(apperror.KindStore, "scan workflow row", err)
		}
		_ = json.Unmarshal([]byte(steps), &w.Steps)
		_ = json.Unmarshal([]byte(edges), &w.Edges)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// --- ActiveWorkflow(s) ---

func (s *SQLiteStore) SetActiveWorkflows(ctx context.Context, sessionID string, workflowIDs []string) error {
	ids, err := json.Marshal(workflowIDs)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "marshal active workflow ids", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO active_workflows (session_id, workflow_ids) VALUES (?,?)
		 ON CONFLICT(session_id) DO UPDATE SET workflow_ids=excluded.workflow_ids`,
		sessionID, string(ids))
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "set active workflows", err)
	}
	return nil
}

func (s *SQLiteStore) GetActiveWorkflows(ctx context.Context, sessionID string) (*ActiveWorkflowRef, error) {
	row := s.db.QueryRowContext(ctx, `SELECT workflow_ids FROM active_workflows WHERE session_id = ?`, sessionID)
	var ids string
	if err := row.Scan(&ids); err != nil {
		if err == sql.ErrNoRows {
			return &ActiveWorkflowRef{SessionID: sessionID}, nil
		}
		return nil, apperror.Wrap(apperror.KindStore, "get active workflows", err)
	}
	var out ActiveWorkflowRef
	out.SessionID = sessionID
	_ = json.Unmarshal([]byte(ids), &out.WorkflowIDs)
	return &out, nil
}

func (s *SQLiteStore) ClearActiveWorkflows(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_workflows WHERE session_id = ?`, sessionID); err != nil {
		return apperror.Wrap(apperror.KindStore, "clear active workflows", err)
	}
	return nil
}

// --- Agent files ---

func (s *SQLiteStore) PutAgentFile(ctx context.Context, f *AgentFile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_files (session_id, file_id, name, uri, mime_type, created_at) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(session_id, file_id) DO UPDATE SET name=excluded.name, uri=excluded.uri, mime_type=excluded.mime_type`,
		f.SessionID, f.FileID, f.Name, f.URI, f.MimeType, f.CreatedAt)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "put agent file", err)
	}
	return nil
}

func (s *SQLiteStore) ListAgentFiles(ctx context.Context, sessionID string) ([]*AgentFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, file_id, name, uri, mime_type, created_at FROM agent_files WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "list agent files", err)
	}
	defer rows.Close()
	var out []*AgentFile
	for rows.Next() {
		var f AgentFile
		if err := rows.Scan(&f.SessionID, &f.FileID, &f.Name, &f.URI, &f.MimeType, &f.CreatedAt); err != nil {
			return nil, apperror.Wrap(apperror.KindStore, "scan agent file", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAgentFile(ctx context.Context, sessionID, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_files WHERE session_id=? AND file_id=?`, sessionID, fileID); err != nil {
		return apperror.Wrap(apperror.KindStore, "delete agent file", err)
	}
	return nil
}

// --- Schedules (scheduler.Store) ---

func (s *SQLiteStore) Create(ctx context.Context, sc *scheduler.Schedule) error {
	days, _ := json.Marshal(weekdaysToInts(sc.DaysOfWeek))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, session_id, type, run_at, interval_minutes, time_of_day, days_of_week,
			day_of_month, cron_expr, timezone, enabled, run_count, max_runs, timeout_s, retry_on_failure, max_retries,
			last_run_at, next_run_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.WorkflowID, sc.SessionID, string(sc.Type), sc.RunAt, nullInt(sc.IntervalMinutes), sc.TimeOfDay, string(days),
		nullInt(sc.DayOfMonth), sc.CronExpr, sc.Timezone, sqliteutil.BoolToInt(sc.Enabled), sc.RunCount, sc.MaxRuns, sc.TimeoutS,
		sqliteutil.BoolToInt(sc.RetryOnFailure), nullInt(sc.MaxRetries), sc.LastRunAt, sc.NextRunAt)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "create schedule", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, sc *scheduler.Schedule) error {
	days, _ := json.Marshal(weekdaysToInts(sc.DaysOfWeek))
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET workflow_id=?, session_id=?, type=?, run_at=?, interval_minutes=?, time_of_day=?,
			days_of_week=?, day_of_month=?, cron_expr=?, timezone=?, enabled=?, run_count=?, max_runs=?, timeout_s=?,
			retry_on_failure=?, max_retries=?, last_run_at=?, next_run_at=? WHERE id=?`,
		sc.WorkflowID, sc.SessionID, string(sc.Type), sc.RunAt, nullInt(sc.IntervalMinutes), sc.TimeOfDay, string(days),
		nullInt(sc.DayOfMonth), sc.CronExpr, sc.Timezone, sqliteutil.BoolToInt(sc.Enabled), sc.RunCount, sc.MaxRuns, sc.TimeoutS,
		sqliteutil.BoolToInt(sc.RetryOnFailure), nullInt(sc.MaxRetries), sc.LastRunAt, sc.NextRunAt, sc.ID)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "update schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.KindNotFound, "schedule not found")
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id); err != nil {
		return apperror.Wrap(apperror.KindStore, "delete schedule", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*scheduler.Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?`, id)
	return scanSchedule(row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*scheduler.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "list schedules", err)
	}
	defer rows.Close()
	var out []*scheduler.Schedule
	for rows.Next() {
		sc, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

const scheduleSelect = `SELECT id, workflow_id, session_id, type, run_at, interval_minutes, time_of_day, days_of_week,
	day_of_month, cron_expr, timezone, enabled, run_count, max_runs, timeout_s, retry_on_failure, max_retries,
	last_run_at, next_run_at FROM schedules`

type scheduleScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row *sql.Row) (*scheduler.Schedule, error) {
	sc, err := scanScheduleInto(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.New(apperror.KindNotFound, "schedule not found")
		}
		return nil, apperror.Wrap(apperror.KindStore, "scan schedule", err)
	}
	return sc, nil
}

func scanScheduleRow(rows *sql.Rows) (*scheduler.Schedule, error) {
	sc, err := scanScheduleInto(rows)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "scan schedule row", err)
	}
	return sc, nil
}

func scanScheduleInto(row scheduleScanner) (*scheduler.Schedule, error) {
	var sc scheduler.Schedule
	var typ, days string
	var intervalMinutes, dayOfMonth, maxRuns, maxRetries sql.NullInt64
	var runAt, lastRunAt, nextRunAt sql.NullTime
	var enabled, retryOnFailure int

	if err := row.Scan(&sc.ID, &sc.WorkflowID, &sc.SessionID, &typ, &runAt, &intervalMinutes, &sc.TimeOfDay, &days,
		&dayOfMonth, &sc.CronExpr, &sc.Timezone, &enabled, &sc.RunCount, &maxRuns, &sc.TimeoutS, &retryOnFailure,
		&maxRetries, &lastRunAt, &nextRunAt); err != nil {
		return nil, err
	}

	sc.Type = scheduler.Type(typ)
	sc.Enabled = enabled != 0
	sc.RetryOnFailure = retryOnFailure != 0
	sc.IntervalMinutes = int(intervalMinutes.Int64)
	sc.DayOfMonth = int(dayOfMonth.Int64)
	if maxRuns.Valid {
		n := int(maxRuns.Int64)
		sc.MaxRuns = &n
	}
	if maxRetries.Valid {
		sc.MaxRetries = int(maxRetries.Int64)
	}
	if runAt.Valid {
		sc.RunAt = &runAt.Time
	}
	if lastRunAt.Valid {
		sc.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sc.NextRunAt = &nextRunAt.Time
	}
	sc.DaysOfWeek = intsToWeekdays(days)
	return &sc, nil
}

func (s *SQLiteStore) RecordHistory(ctx context.Context, e *scheduler.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_history (schedule_id, started_at, completed_at, status, execution_time_s, result_excerpt, error)
		 VALUES (?,?,?,?,?,?,?)`,
		e.ScheduleID, e.StartedAt, e.CompletedAt, string(e.Status), e.ExecutionTimeS, e.ResultExcerpt, e.Error)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "record schedule history", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, scheduleID string, limit int) ([]*scheduler.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT schedule_id, started_at, completed_at, status, execution_time_s, result_excerpt, error
		 FROM schedule_history WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "list schedule history", err)
	}
	defer rows.Close()
	var out []*scheduler.HistoryEntry
	for rows.Next() {
		var e scheduler.HistoryEntry
		var status string
		var excerpt, errMsg sql.NullString
		if err := rows.Scan(&e.ScheduleID, &e.StartedAt, &e.CompletedAt, &status, &e.ExecutionTimeS, &excerpt, &errMsg); err != nil {
			return nil, apperror.Wrap(apperror.KindStore, "scan schedule history", err)
		}
		e.Status = scheduler.Status(status)
		e.ResultExcerpt = excerpt.String
		e.Error = errMsg.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func weekdaysToInts(days []time.Weekday) []int {
	out := make([]int, len(days))
	for i, d := range days {
		out[i] = int(d)
	}
	return out
}

func intsToWeekdays(jsonArr string) []time.Weekday {
	var nums []int
	if jsonArr == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(jsonArr), &nums)
	out := make([]time.Weekday, len(nums))
	for i, n := range nums {
		out[i] = time.Weekday(n)
	}
	return out
}
