package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/engine"
	"github.com/rendis/loom/pkg/schema"
)

func openTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loom-test.db")
	s, err := NewLibSQLStore("file:" + path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	wf := &StoredWorkflow{
		Name:        "summarize",
		Description: "summarizes articles",
		Definition:  []byte(`{"name":"summarize"}`),
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, "summarize", got.Name)
	assert.Equal(t, "summarizes articles", got.Description)
	assert.JSONEq(t, `{"name":"summarize"}`, string(got.Definition))
	assert.False(t, got.CreatedAt.IsZero())

	// Saving again replaces the definition.
	wf.Definition = []byte(`{"name":"summarize","entry":"draft"}`)
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	got, err = s.GetWorkflow(ctx, "summarize")
	require.NoError(t, err)
	assert.Contains(t, string(got.Definition), "draft")

	require.NoError(t, s.SaveWorkflow(ctx, &StoredWorkflow{Name: "other", Definition: []byte(`{}`)}))
	all, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteWorkflow(ctx, "other"))
	all, err = s.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetWorkflow(context.Background(), "ghost")
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeNotFound, lerr.Code)
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID:        "run-1",
		Workflow:  "summarize",
		Input:     "an article",
		Status:    schema.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)

	require.NoError(t, s.FinishRun(ctx, "run-1", schema.RunStatusCompleted, "the summary", ""))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, "the summary", got.Output)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.FinishedAt)
}

func TestRunFailureRecordsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{
		ID: "run-err", Workflow: "w", Status: schema.RunStatusRunning, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.FinishRun(ctx, "run-err", schema.RunStatusFailed, "", "[OPERATOR_FAILED] boom"))

	got, err := s.GetRun(ctx, "run-err")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, "[OPERATOR_FAILED] boom", got.Error)
}

func TestListRunsFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, spec := range []struct {
		id       string
		workflow string
		status   schema.RunStatus
	}{
		{"r1", "alpha", schema.RunStatusCompleted},
		{"r2", "alpha", schema.RunStatusFailed},
		{"r3", "beta", schema.RunStatusCompleted},
	} {
		require.NoError(t, s.CreateRun(ctx, &Run{
			ID: spec.id, Workflow: spec.workflow, Status: schema.RunStatusRunning,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
		require.NoError(t, s.FinishRun(ctx, spec.id, spec.status, "", ""))
	}

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	runs, err = s.ListRuns(ctx, RunFilter{Workflow: "alpha"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{Status: schema.RunStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{Workflow: "alpha", Status: schema.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRunEventSequencing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{
		ID: "run-ev", Workflow: "w", Status: schema.RunStatusRunning, StartedAt: time.Now().UTC(),
	}))

	for _, evType := range []string{
		schema.EventRunStarted, schema.EventTaskStarted, schema.EventTaskCompleted, schema.EventRunCompleted,
	} {
		require.NoError(t, s.AppendRunEvent(ctx, &RunEvent{
			RunID:     "run-ev",
			Type:      evType,
			TaskID:    "draft",
			Payload:   map[string]any{"k": "v"},
			Timestamp: time.Now().UTC(),
		}))
	}

	events, err := s.GetRunEvents(ctx, "run-ev", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, events[3].Type)
	assert.Equal(t, map[string]any{"k": "v"}, events[1].Payload)

	// `since` returns only later events.
	events, err = s.GetRunEvents(ctx, "run-ev", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestScheduledJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:       "job-1",
		Workflow: "nightly",
		CronExpr: "0 0 * * *",
		Input:    "payload",
		Enabled:  true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	jobs, err := s.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0].Workflow)
	assert.True(t, jobs[0].Enabled)
	assert.Nil(t, jobs[0].LastRun)
	assert.False(t, jobs[0].CreatedAt.IsZero())

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchScheduledJob(ctx, "job-1", at))
	jobs, err = s.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].LastRun)
	assert.WithinDuration(t, at, *jobs[0].LastRun, time.Second)

	require.NoError(t, s.DeleteScheduledJob(ctx, "job-1"))
	jobs, err = s.ListScheduledJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunJournal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	journal := NewRunJournal(s)

	started := time.Now().UTC()
	require.NoError(t, journal.StartRun(ctx, engine.RunRecord{
		RunID: "jr-1", Workflow: "summarize", Input: "in", StartedAt: started,
	}))

	for _, ev := range []engine.Event{
		{RunID: "jr-1", Type: schema.EventRunStarted, At: started},
		{RunID: "jr-1", Type: schema.EventTaskStarted, TaskID: "draft", At: started},
		{RunID: "jr-1", Type: schema.EventTaskCompleted, TaskID: "draft", At: started},
		{RunID: "jr-1", Type: schema.EventTaskStarted, TaskID: "finish", At: started},
		{RunID: "jr-1", Type: schema.EventRunCompleted, At: started},
	} {
		require.NoError(t, journal.AppendEvent(ctx, ev))
	}

	require.NoError(t, journal.FinishRun(ctx, "jr-1", schema.RunStatusCompleted, "done", nil))

	run, err := s.GetRun(ctx, "jr-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "done", run.Output)

	trail, err := journal.Replay(ctx, "jr-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"draft", "finish"}, trail)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}
