package store

import (
	"context"

	"github.com/rendis/loom/pkg/engine"
	"github.com/rendis/loom/pkg/schema"
)

// RunJournal adapts the libSQL store to the engine's journal contract:
// run lifecycle rows in `runs`, the event stream in `run_events`.
type RunJournal struct {
	store *LibSQLStore
}

// NewRunJournal wraps a LibSQLStore as an engine journal.
func NewRunJournal(s *LibSQLStore) *RunJournal {
	return &RunJournal{store: s}
}

// StartRun records the new run in the running state.
func (j *RunJournal) StartRun(ctx context.Context, rec engine.RunRecord) error {
	return j.store.CreateRun(ctx, &Run{
		ID:        rec.RunID,
		Workflow:  rec.Workflow,
		Input:     rec.Input,
		Status:    schema.RunStatusRunning,
		StartedAt: rec.StartedAt,
	})
}

// AppendEvent persists one journal event with the next per-run sequence.
func (j *RunJournal) AppendEvent(ctx context.Context, ev engine.Event) error {
	return j.store.AppendRunEvent(ctx, &RunEvent{
		RunID:     ev.RunID,
		Type:      ev.Type,
		TaskID:    ev.TaskID,
		Payload:   ev.Payload,
		Timestamp: ev.At,
	})
}

// FinishRun records the run's terminal status and output.
func (j *RunJournal) FinishRun(ctx context.Context, runID string, status schema.RunStatus, output string, runErr error) error {
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	return j.store.FinishRun(ctx, runID, status, output, errMsg)
}

// Replay reconstructs the ordered task trail of a run from its events.
func (j *RunJournal) Replay(ctx context.Context, runID string) ([]string, error) {
	events, err := j.store.GetRunEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	var trail []string
	for _, ev := range events {
		if ev.Type == schema.EventTaskStarted {
			trail = append(trail, ev.TaskID)
		}
	}
	return trail, nil
}
