package scheduler

import "context"

// Store persists Schedules and their run History. Implemented by
// internal/repo over Postgres or SQLite.
type Store interface {
	Create(ctx context.Context, sched *Schedule) error
	Update(ctx context.Context, sched *Schedule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Schedule, error)
	List(ctx context.Context) ([]*Schedule, error)
	RecordHistory(ctx context.Context, entry *HistoryEntry) error
	History(ctx context.Context, scheduleID string, limit int) ([]*HistoryEntry, error)
}

// Runner executes a Workflow in an isolated, session-independent context
// (spec §4.5: "synthesize an isolated session id ... enable all agents the
// Workflow requires from the global registry"). The Scheduler owns timing,
// overlap, retry, and history bookkeeping; Runner owns one fire-and-report
// execution.
type Runner interface {
	Run(ctx context.Context, isolatedSessionID, workflowID string) (resultExcerpt string, err error)
}
