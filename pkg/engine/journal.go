package engine

import (
	"context"
	"time"

	"github.com/rendis/loom/pkg/schema"
)

// Event is one journal entry of a run: a task transition, a routing
// decision, or a run lifecycle change.
type Event struct {
	RunID   string         `json:"run_id"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// RunRecord describes a run at creation time.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Workflow  string    `json:"workflow"`
	Input     string    `json:"input,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Journal persists run lifecycles and their event streams. Journal
// failures never fail a run; the engine logs and continues.
type Journal interface {
	StartRun(ctx context.Context, rec RunRecord) error
	AppendEvent(ctx context.Context, ev Event) error
	FinishRun(ctx context.Context, runID string, status schema.RunStatus, output string, runErr error) error
}

// NopJournal discards everything. Used when no store is configured.
type NopJournal struct{}

func (NopJournal) StartRun(ctx context.Context, rec RunRecord) error { return nil }

func (NopJournal) AppendEvent(ctx context.Context, ev Event) error { return nil }

func (NopJournal) FinishRun(ctx context.Context, runID string, status schema.RunStatus, output string, runErr error) error {
	return nil
}
