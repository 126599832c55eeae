package store

import (
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// Run is one persisted workflow execution.
type Run struct {
	ID         string           `json:"id"`
	Workflow   string           `json:"workflow"`
	Input      string           `json:"input,omitempty"`
	Status     schema.RunStatus `json:"status"`
	Output     string           `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// RunEvent is one journal entry of a run, with its per-run sequence.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StoredWorkflow is a named workflow definition kept in the store for
// scheduled and on-demand runs.
type StoredWorkflow struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Definition  []byte    `json:"definition"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ScheduledJob triggers a stored workflow on a cron expression.
type ScheduledJob struct {
	ID        string     `json:"id"`
	Workflow  string     `json:"workflow"`
	CronExpr  string     `json:"cron_expr"`
	Input     string     `json:"input,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RunFilter narrows run listings.
type RunFilter struct {
	Workflow string
	Status   schema.RunStatus
	Limit    int
}
