package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/engine"
	"github.com/rendis/loom/pkg/operators"
	"github.com/rendis/loom/pkg/schema"
)

const validDefinition = `{
  "name": "summarize",
  "config": {"max_steps": 5, "max_time": 60},
  "tasks": [
    {
      "id": "draft",
      "name": "Draft",
      "prompt": "Summarize: {text}",
      "operator": "generation",
      "inputs": [
        {"name": "text", "value": {"type": "input"}, "required": true}
      ],
      "outputs": [
        {"type": "write", "key": "summary", "value": "__result"}
      ]
    },
    {"id": "finish", "name": "Finish", "operator": "end"}
  ],
  "steps": [
    {"source": "draft", "target": "finish"},
    {"source": "finish", "target": "__end"}
  ],
  "return_value": {"input": {"type": "read", "key": "summary"}}
}`

func newTestServer(t *testing.T, withStore bool) *LoomServer {
	t.Helper()

	registry, err := operators.NewDefaultRegistry(operators.Capabilities{
		Generator: operators.GeneratorFunc(func(ctx context.Context, req operators.GenerateRequest) (string, error) {
			return "a short summary", nil
		}),
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(registry, engine.WithLogger(logger))
	require.NoError(t, err)

	deps := LoomServerDeps{Engine: eng, Logger: logger}
	if withStore {
		path := filepath.Join(t.TempDir(), "mcp-test.db")
		db, err := store.NewLibSQLStore("file:" + path)
		require.NoError(t, err)
		require.NoError(t, db.Migrate(context.Background()))
		t.Cleanup(func() { db.Close() })
		deps.Store = db
	}
	return NewLoomServer(deps)
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func TestHandleValidateAcceptsGoodDefinition(t *testing.T) {
	s := newTestServer(t, false)

	res, err := s.handleValidate(context.Background(), callRequest(map[string]any{
		"definition": validDefinition,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out struct {
		Valid  bool                     `json:"valid"`
		Issues []schema.ValidationIssue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.True(t, out.Valid)
	assert.Empty(t, out.Issues)
}

func TestHandleValidateReportsIssues(t *testing.T) {
	s := newTestServer(t, false)

	bad := `{
  "name": "broken",
  "config": {"max_steps": 5, "max_time": 60},
  "tasks": [
    {"id": "draft", "name": "Draft", "operator": "generation"},
    {"id": "finish", "name": "Finish", "operator": "end"}
  ],
  "steps": [
    {"source": "draft", "target": "ghost"},
    {"source": "finish", "target": "__end"}
  ],
  "return_value": {"input": {"type": "read", "key": "out"}}
}`

	res, err := s.handleValidate(context.Background(), callRequest(map[string]any{"definition": bad}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out struct {
		Valid  bool                     `json:"valid"`
		Issues []schema.ValidationIssue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.Issues)
}

func TestHandleValidateRejectsBadJSON(t *testing.T) {
	s := newTestServer(t, false)

	res, err := s.handleValidate(context.Background(), callRequest(map[string]any{"definition": "{not json"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleValidate(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleRunInlineDefinition(t *testing.T) {
	s := newTestServer(t, false)

	res, err := s.handleRun(context.Background(), callRequest(map[string]any{
		"definition": validDefinition,
		"input":      "a long article",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out engine.RunResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, schema.RunStatusCompleted, out.Status)
	assert.Equal(t, "a short summary", out.Output)
	assert.Equal(t, 2, out.Steps)
}

func TestHandleRunRequiresDefinitionOrName(t *testing.T) {
	s := newTestServer(t, false)

	res, err := s.handleRun(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleRunHaltedRunStillReturnsResult(t *testing.T) {
	s := newTestServer(t, false)

	// A one-step budget halts before the end task; the result carries the
	// halt status instead of an error.
	halting := `{
  "name": "tight",
  "config": {"max_steps": 1, "max_time": 60},
  "tasks": [
    {"id": "draft", "name": "Draft", "prompt": "go", "operator": "generation"},
    {"id": "finish", "name": "Finish", "operator": "end"}
  ],
  "steps": [
    {"source": "draft", "target": "finish"},
    {"source": "finish", "target": "__end"}
  ],
  "return_value": {"input": {"type": "read", "key": "out"}}
}`

	res, err := s.handleRun(context.Background(), callRequest(map[string]any{"definition": halting}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out engine.RunResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, schema.RunStatusStepLimit, out.Status)
}

func TestHandleDefineAndRunByName(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()

	res, err := s.handleDefine(ctx, callRequest(map[string]any{"definition": validDefinition}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var defined struct {
		Name   string `json:"name"`
		Stored bool   `json:"stored"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &defined))
	assert.Equal(t, "summarize", defined.Name)
	assert.True(t, defined.Stored)

	res, err = s.handleRun(ctx, callRequest(map[string]any{"name": "summarize", "input": "text"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var out engine.RunResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.Equal(t, schema.RunStatusCompleted, out.Status)
}

func TestHandleDefineRejectsInvalid(t *testing.T) {
	s := newTestServer(t, true)

	res, err := s.handleDefine(context.Background(), callRequest(map[string]any{
		"definition": `{"name":"x"}`,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleDefineWithoutStore(t *testing.T) {
	s := newTestServer(t, false)

	res, err := s.handleDefine(context.Background(), callRequest(map[string]any{
		"definition": validDefinition,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleRunsListAndJournal(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()

	require.NoError(t, s.store.CreateRun(ctx, &store.Run{
		ID: "r1", Workflow: "summarize", Status: schema.RunStatusRunning, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.store.FinishRun(ctx, "r1", schema.RunStatusCompleted, "done", ""))
	require.NoError(t, s.store.AppendRunEvent(ctx, &store.RunEvent{
		RunID: "r1", Type: schema.EventRunStarted, Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, s.store.AppendRunEvent(ctx, &store.RunEvent{
		RunID: "r1", Type: schema.EventRunCompleted, Timestamp: time.Now().UTC(),
	}))

	res, err := s.handleRuns(ctx, callRequest(map[string]any{}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var listed struct {
		Runs []store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &listed))
	require.Len(t, listed.Runs, 1)
	assert.Equal(t, "r1", listed.Runs[0].ID)

	res, err = s.handleRuns(ctx, callRequest(map[string]any{"run_id": "r1"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var detail struct {
		Run    store.Run        `json:"run"`
		Events []store.RunEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &detail))
	assert.Equal(t, schema.RunStatusCompleted, detail.Run.Status)
	require.Len(t, detail.Events, 2)
	assert.Equal(t, schema.EventRunStarted, detail.Events[0].Type)
}

func TestHandleScheduleSetListRemove(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()

	res, err := s.handleDefine(ctx, callRequest(map[string]any{"definition": validDefinition}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	res, err = s.handleSchedule(ctx, callRequest(map[string]any{
		"action":   "set",
		"workflow": "summarize",
		"cron":     "*/15 * * * *",
		"input":    "daily digest",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var created struct {
		JobID    string    `json:"job_id"`
		Workflow string    `json:"workflow"`
		Cron     string    `json:"cron"`
		NextRun  time.Time `json:"next_run"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &created))
	assert.NotEmpty(t, created.JobID)
	assert.Equal(t, "summarize", created.Workflow)
	assert.Equal(t, "*/15 * * * *", created.Cron)
	assert.True(t, created.NextRun.After(time.Now().Add(-time.Minute)))

	res, err = s.handleSchedule(ctx, callRequest(map[string]any{"action": "list"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var listed struct {
		Jobs []store.ScheduledJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &listed))
	require.Len(t, listed.Jobs, 1)
	assert.Equal(t, created.JobID, listed.Jobs[0].ID)
	assert.Equal(t, "daily digest", listed.Jobs[0].Input)
	assert.True(t, listed.Jobs[0].Enabled)

	res, err = s.handleSchedule(ctx, callRequest(map[string]any{
		"action": "remove",
		"job_id": created.JobID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = s.handleSchedule(ctx, callRequest(map[string]any{"action": "list"}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &listed))
	assert.Empty(t, listed.Jobs)
}

func TestHandleScheduleRejectsBadInput(t *testing.T) {
	s := newTestServer(t, true)
	ctx := context.Background()

	res, err := s.handleDefine(ctx, callRequest(map[string]any{"definition": validDefinition}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	// Bad cron expressions never reach the job table.
	res, err = s.handleSchedule(ctx, callRequest(map[string]any{
		"action":   "set",
		"workflow": "summarize",
		"cron":     "not a cron",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	// Unknown workflows cannot be scheduled.
	res, err = s.handleSchedule(ctx, callRequest(map[string]any{
		"action":   "set",
		"workflow": "ghost",
		"cron":     "* * * * *",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleSchedule(ctx, callRequest(map[string]any{"action": "explode"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleSchedule(ctx, callRequest(map[string]any{"action": "remove", "job_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandleScheduleWithoutStore(t *testing.T) {
	s := newTestServer(t, false)

	res, err := s.handleSchedule(context.Background(), callRequest(map[string]any{"action": "list"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestSchemaResource(t *testing.T) {
	s := newTestServer(t, false)

	contents, err := s.handleSchemaResource(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok, "expected text resource contents, got %T", contents[0])
	assert.Equal(t, "loom://schemas/workflow.json", text.URI)
	assert.Equal(t, "application/json", text.MIMEType)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &decoded))
	assert.Contains(t, decoded, "$schema")
	assert.Contains(t, decoded, "$defs")
}

func TestHandleRunsUnknownRun(t *testing.T) {
	s := newTestServer(t, true)

	res, err := s.handleRuns(context.Background(), callRequest(map[string]any{"run_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestServerRegistersTools(t *testing.T) {
	s := newTestServer(t, false)
	require.NotNil(t, s.MCPServer())

	names := make([]string, 0, 5)
	for _, tool := range s.tools() {
		names = append(names, tool.Tool.Name)
	}
	assert.ElementsMatch(t, []string{"loom.validate", "loom.run", "loom.define", "loom.schedule", "loom.runs"}, names)
}
