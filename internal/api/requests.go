package api

import "time"

// loginRequest is POST /api/auth/login's body (spec §6.1).
type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// registerRequest is POST /api/auth/register's body (spec §6.1).
type registerRequest struct {
	Email       string   `json:"email" binding:"required"`
	Password    string   `json:"password" binding:"required"`
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Description string   `json:"description"`
	Skills      []string `json:"skills"`
	Color       string   `json:"color"`
}

// authResponse is shared by login and register.
type authResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// agentRequest is the body of the agent CRUD endpoints (spec §6.1; PATCH is
// upsert).
type agentRequest struct {
	Name            string   `json:"name" binding:"required"`
	DevURL          string   `json:"dev_url"`
	ProductionURL   string   `json:"production_url"`
	Capabilities    []string `json:"capabilities"`
	InputModes      []string `json:"input_modes"`
	OutputModes     []string `json:"output_modes"`
	Streaming       bool     `json:"streaming"`
	ApprovalPolicy  string   `json:"approval_policy"`
}

// workflowRequest is the body of the workflow CRUD endpoints.
type workflowRequest struct {
	Name     string          `json:"name" binding:"required"`
	Goal     string          `json:"goal"`
	Category string          `json:"category"`
	Steps    []workflowStep  `json:"steps"`
	Edges    []workflowEdge  `json:"edges"`
}

type workflowStep struct {
	ID          string `json:"id" binding:"required"`
	Order       int    `json:"order"`
	AgentName   string `json:"agent_name" binding:"required"`
	Description string `json:"description"`
}

type workflowEdge struct {
	FromStepID string  `json:"from_step_id" binding:"required"`
	ToStepID   string  `json:"to_step_id" binding:"required"`
	Condition  *string `json:"condition,omitempty"`
}

// queryRequest is POST /api/query's body (spec §6.1).
type queryRequest struct {
	Query                string   `json:"query" binding:"required"`
	UserID               string   `json:"user_id"`
	SessionID            string   `json:"session_id"`
	ConversationID       string   `json:"conversation_id"`
	TimeoutS             int      `json:"timeout"`
	EnableRouting        *bool    `json:"enable_routing"`
	ActivatedWorkflowIDs []string `json:"activated_workflow_ids"`
	Workflow             string   `json:"workflow"`
}

// queryResponse mirrors spec §6.1's /api/query response shape.
type queryResponse struct {
	Success              bool     `json:"success"`
	Result               string   `json:"result"`
	ExecutionTimeSeconds float64  `json:"execution_time_seconds"`
	SessionID            string   `json:"session_id"`
	ConversationID       string   `json:"conversation_id"`
	Artifacts            []string `json:"artifacts,omitempty"`
	Error                string   `json:"error,omitempty"`
}

// activeWorkflowRequest sets one or more active workflows for a session.
type activeWorkflowRequest struct {
	SessionID   string   `json:"session_id" binding:"required"`
	WorkflowID  string   `json:"workflow_id"`
	WorkflowIDs []string `json:"workflow_ids"`
}

// scheduleRequest is the body of the schedule CRUD endpoints (spec §4.5, §6.1).
type scheduleRequest struct {
	WorkflowID      string   `json:"workflow_id" binding:"required"`
	SessionID       string   `json:"session_id"`
	Type            string   `json:"type" binding:"required"`
	RunAt           *time.Time `json:"run_at,omitempty"`
	IntervalMinutes int      `json:"interval_minutes"`
	TimeOfDay       string   `json:"time_of_day"`
	DaysOfWeek      []int    `json:"days_of_week"`
	DayOfMonth      int      `json:"day_of_month"`
	CronExpr        string   `json:"cron_expr"`
	Timezone        string   `json:"timezone"`
	Enabled         *bool    `json:"enabled,omitempty"`
	MaxRuns         *int     `json:"max_runs,omitempty"`
	TimeoutS        int      `json:"timeout_s"`
	RetryOnFailure  bool     `json:"retry_on_failure"`
	MaxRetries      int      `json:"max_retries"`
}

// processFileRequest is POST /api/files/process's body.
type processFileRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	FileID    string `json:"file_id" binding:"required"`
}

// clearMemoryRequest is POST /clear-memory's body.
type clearMemoryRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id" binding:"required"`
}
