package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/config"
	"github.com/a2aflow/host/internal/scheduler"
)

// PostgresStore is the production backend, used whenever DatabaseConfig.URL
// is set (spec §6.5). It is built on jmoiron/sqlx over the stdlib-compatible
// pgx driver; statements are plain SQL with positional row scans rather than
// a query builder.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to cfg.URL and initializes the schema.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.URL)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "connect postgres", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name TEXT,
			role TEXT,
			description TEXT,
			skills JSONB NOT NULL DEFAULT '[]',
			color TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			last_login TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT,
			goal TEXT,
			category TEXT,
			steps JSONB NOT NULL,
			edges JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_user_id ON workflows(user_id)`,
		`CREATE TABLE IF NOT EXISTS active_workflows (
			session_id TEXT PRIMARY KEY,
			workflow_ids JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_files (
			session_id TEXT NOT NULL,
			file_id TEXT NOT NULL,
			name TEXT,
			uri TEXT,
			mime_type TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, file_id)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			session_id TEXT,
			type TEXT NOT NULL,
			run_at TIMESTAMPTZ,
			interval_minutes INTEGER,
			time_of_day TEXT,
			days_of_week JSONB NOT NULL DEFAULT '[]',
			day_of_month INTEGER,
			cron_expr TEXT,
			timezone TEXT,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			run_count INTEGER NOT NULL DEFAULT 0,
			max_runs INTEGER,
			timeout_s INTEGER,
			retry_on_failure BOOLEAN NOT NULL DEFAULT FALSE,
			max_retries INTEGER,
			last_run_at TIMESTAMPTZ,
			next_run_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_history (
			id BIGSERIAL PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			execution_time_s DOUBLE PRECISION,
			result_excerpt TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedule_history_schedule_id ON schedule_history(schedule_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperror.Wrap(apperror.KindStore, "init postgres schema", err)
		}
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	skills, _ := json.Marshal(u.Skills)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, email, password_hash, name, role, description, skills, color, created_at, last_login)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.UserID, u.Email, u.PasswordHash, u.Name, u.Role, u.Description, skills, u.Color, u.CreatedAt, u.LastLogin)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "create user", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, `SELECT user_id, email, password_hash, name, role, description, skills, color, created_at, last_login FROM users WHERE email = $1`, email)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `SELECT user_id, email, password_hash, name, role, description, skills, color, created_at, last_login FROM users WHERE user_id = $1`, id)
}

func (s *PostgresStore) getUser(ctx context.Context, query string, arg string) (*User, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var u User
	var skills []byte
	var lastLogin sql.NullTime
	if err := row.Scan(&u.UserID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.Description, &skills, &u.Color, &u.CreatedAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.New(apperror.KindNotFound, "user not found")
		}
		return nil, apperror.Wrap(apperror.KindStore, "scan user", err)
	}
	_ = json.Unmarshal(skills, &u.Skills)
	if lastLogin.Valid {
		u.LastLogin = &lastLogin.Time
	}
	return &u, nil
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = $1 WHERE user_id = $2`, at, id)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "touch last login", err)
	}
	return nil
}

// --- Workflows ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	steps, edges, err := marshalWorkflowGraph(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, user_id, name, goal, category, steps, edges, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		w.WorkflowID, w.UserID, w.Name, w.Goal, w.Category, steps, edges, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "create workflow", err)
	}
	return nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	steps, edges, err := marshalWorkflowGraph(w)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name=$1, goal=$2, category=$3, steps=$4, edges=$5, updated_at=$6 WHERE workflow_id=$7`,
		w.Name, w.Goal, w.Category, steps, edges, w.UpdatedAt, w.WorkflowID)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "update workflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.KindNotFound, "workflow not found")
	}
	return nil
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE workflow_id=$1`, id); err != nil {
		return apperror.Wrap(apperror.KindStore, "delete workflow", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, user_id, name, goal, category, steps, edges, created_at, updated_at FROM workflows WHERE workflow_id = $1`, id)
	return scanPgWorkflow(row)
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, userID string) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, user_id, name, goal, category, steps, edges, created_at, updated_at FROM workflows WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "list workflows", err)
	}
	defer rows.Close()
	return scanPgWorkflows(rows)
}

func (s *PostgresStore) ListAllWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, user_id, name, goal, category, steps, edges, created_at, updated_at FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "list all workflows", err)
	}
	defer rows.Close()
	return scanPgWorkflows(rows)
}

func scanPgWorkflow(row *sql.Row) (*Workflow, error) {
	var w Workflow
	var steps, edges []byte
	if err := row.Scan(&w.WorkflowID, &w.UserID, &w.Name, &w.Goal, &w.Category, &steps, &edges, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.New(apperror.KindNotFound, "workflow not found")
		}
		return nil, apperror.Wrap(apperror.KindStore, "scan workflow", err)
	}
	_ = json.Unmarshal(steps, &w.Steps)
	_ = json.Unmarshal(edges, &w.Edges)
	return &w, nil
}

func scanPgWorkflows(rows *sql.Rows) ([]*Workflow, error) {
	var out []*Workflow
	for rows.Next() {
		var w Workflow
		var steps, edges []byte
		if err := rows.Scan(&w.WorkflowID, &w.UserID, &w.Name, &w.Goal, &w.Category, &steps, &edges, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, apperror.Wrap(apperror.KindStore, "scan workflow row", err)
		}
		_ = json.Unmarshal(steps, &w.Steps)
		_ = json.Unmarshal(edges, &w.Edges)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// --- ActiveWorkflow(s) ---

func (s *PostgresStore) SetActiveWorkflows(ctx context.Context, sessionID string, workflowIDs []string) error {
	ids, err := json.Marshal(workflowIDs)
	if err != nil {
		return apperror.Wrap(apperror.KindValidation, "marshal active workflow ids", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO active_workflows (session_id, workflow_ids) VALUES ($1,$2)
		 ON CONFLICT (session_id) DO UPDATE SET workflow_ids = excluded.workflow_ids`,
		sessionID, ids)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "set active workflows", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveWorkflows(ctx context.Context, sessionID string) (*ActiveWorkflowRef, error) {
	row := s.db.QueryRowContext(ctx, `SELECT workflow_ids FROM active_workflows WHERE session_id = $1`, sessionID)
	var ids []byte
	if err := row.Scan(&ids); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &ActiveWorkflowRef{SessionID: sessionID}, nil
		}
		return nil, apperror.Wrap(apperror.KindStore, "get active workflows", err)
	}
	out := &ActiveWorkflowRef{SessionID: sessionID}
	_ = json.Unmarshal(ids, &out.WorkflowIDs)
	return out, nil
}

func (s *PostgresStore) ClearActiveWorkflows(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_workflows WHERE session_id = $1`, sessionID); err != nil {
		return apperror.Wrap(apperror.KindStore, "clear active workflows", err)
	}
	return nil
}

// --- Agent files ---

func (s *PostgresStore) PutAgentFile(ctx context.Context, f *AgentFile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_files (session_id, file_id, name, uri, mime_type, created_at) VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (session_id, file_id) DO UPDATE SET name=excluded.name, uri=excluded.uri, mime_type=excluded.mime_type`,
		f.SessionID, f.FileID, f.Name, f.URI, f.MimeType, f.CreatedAt)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "put agent file", err)
	}
	return nil
}

func (s *PostgresStore) ListAgentFiles(ctx context.Context, sessionID string) ([]*AgentFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, file_id, name, uri, mime_type, created_at FROM agent_files WHERE session_id = $1 ORDER BY created_at`, sessionID)
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

func (s *PostgresStore) DeleteAgentFile(ctx context.Context, sessionID, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_files WHERE session_id=$1 AND file_id=$2`, sessionID, fileID); err != nil {
		return apperror.Wrap(apperror.KindStore, "delete agent file", err)
	}
	return nil
}

// --- Schedules (scheduler.Store) ---

func (s *PostgresStore) Create(ctx context.Context, sc *scheduler.Schedule) error {
	days, _ := json.Marshal(weekdaysToInts(sc.DaysOfWeek))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, session_id, type, run_at, interval_minutes, time_of_day, days_of_week,
			day_of_month, cron_expr, timezone, enabled, run_count, max_runs, timeout_s, retry_on_failure, max_retries,
			last_run_at, next_run_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		sc.ID, sc.WorkflowID, sc.SessionID, string(sc.Type), sc.RunAt, nullInt(sc.IntervalMinutes), sc.TimeOfDay, days,
		nullInt(sc.DayOfMonth), sc.CronExpr, sc.Timezone, sc.Enabled, sc.RunCount, sc.MaxRuns, sc.TimeoutS,
		sc.RetryOnFailure, nullInt(sc.MaxRetries), sc.LastRunAt, sc.NextRunAt)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "create schedule", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, sc *scheduler.Schedule) error {
	days, _ := json.Marshal(weekdaysToInts(sc.DaysOfWeek))
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET workflow_id=$1, session_id=$2, type=$3, run_at=$4, interval_minutes=$5, time_of_day=$6,
			days_of_week=$7, day_of_month=$8, cron_expr=$9, timezone=$10, enabled=$11, run_count=$12, max_runs=$13,
			timeout_s=$14, retry_on_failure=$15, max_retries=$16, last_run_at=$17, next_run_at=$18 WHERE id=$19`,
		sc.WorkflowID, sc.SessionID, string(sc.Type), sc.RunAt, nullInt(sc.IntervalMinutes), sc.TimeOfDay, days,
		nullInt(sc.DayOfMonth), sc.CronExpr, sc.Timezone, sc.Enabled, sc.RunCount, sc.MaxRuns, sc.TimeoutS,
		sc.RetryOnFailure, nullInt(sc.MaxRetries), sc.LastRunAt, sc.NextRunAt, sc.ID)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "update schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.KindNotFound, "schedule not found")
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=$1`, id); err != nil {
		return apperror.Wrap(apperror.KindStore, "delete schedule", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*scheduler.Schedule, error) {
	row := s.db.QueryRowContext(ctx, pgScheduleSelect+` WHERE id = $1`, id)
	sc, err := scanScheduleInto(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.New(apperror.KindNotFound, "schedule not found")
		}
		return nil, apperror.Wrap(apperror.KindStore, "scan schedule", err)
	}
	return sc, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*scheduler.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, pgScheduleSelect)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStore, "list schedules", err)
	}
	defer rows.Close()
	var out []*scheduler.Schedule
	for rows.Next() {
		sc, err := scanScheduleInto(rows)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindStore, "scan schedule row", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// The BOOLEAN columns are cast to int so scanScheduleInto, shared with the
// SQLite backend, reads rows from both alike.
const pgScheduleSelect = `SELECT id, workflow_id, session_id, type, run_at, interval_minutes, time_of_day, days_of_week,
	day_of_month, cron_expr, timezone, enabled::int, run_count, max_runs, timeout_s, retry_on_failure::int, max_retries,
	last_run_at, next_run_at FROM schedules`

func (s *PostgresStore) RecordHistory(ctx context.Context, e *scheduler.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_history (schedule_id, started_at, completed_at, status, execution_time_s, result_excerpt, error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ScheduleID, e.StartedAt, e.CompletedAt, string(e.Status), e.ExecutionTimeS, e.ResultExcerpt, e.Error)
	if err != nil {
		return apperror.Wrap(apperror.KindStore, "record schedule history", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, scheduleID string, limit int) ([]*scheduler.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT schedule_id, started_at, completed_at, status, execution_time_s, result_excerpt, error
		 FROM schedule_history WHERE schedule_id = $1 ORDER BY started_at DESC LIMIT $2`, scheduleID, limit)
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
