// Package repo persists Users, Workflows, Schedules, and ActiveWorkflow state
// behind a dual Postgres/SQLite backend chosen by DatabaseConfig (spec §6.4,
// §6.5): DATABASE_URL set → Postgres, unset → local SQLite file.
package repo

import (
	"context"
	"time"

	"github.com/a2aflow/host/internal/scheduler"
	"github.com/a2aflow/host/internal/workflow/compiler"
)

// User is keyed by email (spec §6.4).
type User struct {
	UserID       string
	Email        string
	PasswordHash string
	Name         string
	Role         string
	Description  string
	Skills       []string
	Color        string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Workflow is keyed by WorkflowID, owned by UserID (spec §6.4).
type Workflow struct {
	WorkflowID string
	UserID     string
	Name       string
	Goal       string
	Category   string
	Steps      []compiler.Step
	Edges      []compiler.Edge
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ActiveWorkflowRef is one session's currently-pinned workflow(s) (spec §6.4;
// `/api/active-workflow` is singular, `/api/active-workflows` is a list —
// both are backed by the same table: the singular routes store a
// one-element WorkflowIDs list and read back its first entry).
type ActiveWorkflowRef struct {
	SessionID   string
	WorkflowIDs []string
}

// AgentFile is the per-session files registry used to purge derived
// resources on delete (spec §6.4).
type AgentFile struct {
	SessionID string
	FileID    string
	Name      string
	URI       string
	MimeType  string
	CreatedAt time.Time
}

// Store is the full persistence surface the API layer and Scheduler depend
// on. It embeds scheduler.Store directly so a single backend instance can be
// handed to both.
type Store interface {
	scheduler.Store

	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error

	CreateWorkflow(ctx context.Context, w *Workflow) error
	UpdateWorkflow(ctx context.Context, w *Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, userID string) ([]*Workflow, error)
	ListAllWorkflows(ctx context.Context) ([]*Workflow, error)

	SetActiveWorkflows(ctx context.Context, sessionID string, workflowIDs []string) error
	GetActiveWorkflows(ctx context.Context, sessionID string) (*ActiveWorkflowRef, error)
	ClearActiveWorkflows(ctx context.Context, sessionID string) error

	PutAgentFile(ctx context.Context, f *AgentFile) error
	ListAgentFiles(ctx context.Context, sessionID string) ([]*AgentFile, error)
	DeleteAgentFile(ctx context.Context, sessionID, fileID string) error

	Close() error
}
