package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/memory"
	"github.com/rendis/loom/pkg/operators"
	"github.com/rendis/loom/pkg/schema"
)

// memJournal records everything the engine reports, for assertions.
type memJournal struct {
	mu       sync.Mutex
	starts   []RunRecord
	events   []Event
	finished []schema.RunStatus
}

func (j *memJournal) StartRun(ctx context.Context, rec RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.starts = append(j.starts, rec)
	return nil
}

func (j *memJournal) AppendEvent(ctx context.Context, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) FinishRun(ctx context.Context, runID string, status schema.RunStatus, output string, runErr error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, status)
	return nil
}

func (j *memJournal) eventTypes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	types := make([]string, len(j.events))
	for i, ev := range j.events {
		types[i] = ev.Type
	}
	return types
}

// failingJournal errors on every call; runs must not notice.
type failingJournal struct{}

func (failingJournal) StartRun(ctx context.Context, rec RunRecord) error {
	return errors.New("journal down")
}
func (failingJournal) AppendEvent(ctx context.Context, ev Event) error {
	return errors.New("journal down")
}
func (failingJournal) FinishRun(ctx context.Context, runID string, status schema.RunStatus, output string, runErr error) error {
	return errors.New("journal down")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, gen operators.Generator, opts ...Option) *Engine {
	t.Helper()
	registry, err := operators.NewDefaultRegistry(operators.Capabilities{Generator: gen})
	require.NoError(t, err)
	opts = append(opts, WithLogger(quietLogger()))
	e, err := New(registry, opts...)
	require.NoError(t, err)
	return e
}

func echoGenerator(reply string) operators.Generator {
	return operators.GeneratorFunc(func(ctx context.Context, req operators.GenerateRequest) (string, error) {
		return reply, nil
	})
}

// pipelineWorkflow is a two-task run: one generation writing its result
// to the cache, then the end task. The summary is the return value.
func pipelineWorkflow() *schema.Workflow {
	return &schema.Workflow{
		Name:   "summarize",
		Config: schema.Config{MaxSteps: 10, MaxTime: 60},
		Tasks: []schema.Task{
			{
				ID:       "draft",
				Name:     "Draft",
				Prompt:   "Summarize: {text}",
				Operator: schema.OperatorGeneration,
				Inputs: []schema.Input{
					{Name: "text", Value: schema.InputValue{Type: schema.InputTypeInput}, Required: true},
				},
				Outputs: []schema.Output{
					{Type: schema.OutputTypeWrite, Key: "summary", Value: schema.KeyResult},
				},
			},
			{ID: "finish", Name: "Finish", Operator: schema.OperatorEnd},
		},
		Steps: []schema.Step{
			{Source: "draft", Target: "finish"},
			{Source: "finish", Target: schema.KeyEnd},
		},
		ReturnValue: schema.ReturnValue{
			Input: schema.InputValue{Type: schema.InputTypeRead, Key: "summary"},
		},
	}
}

func TestRunCompletes(t *testing.T) {
	var gotPrompt string
	gen := operators.GeneratorFunc(func(ctx context.Context, req operators.GenerateRequest) (string, error) {
		gotPrompt = req.Prompt
		return "a short summary", nil
	})
	e := newTestEngine(t, gen)

	res, err := e.Run(context.Background(), pipelineWorkflow(), "long article text")
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "a short summary", res.Output)
	assert.Equal(t, 2, res.Steps)
	assert.NotEmpty(t, res.RunID)
	assert.Nil(t, res.Err)
	assert.Equal(t, "Summarize: long article text", gotPrompt)
}

func TestRunRejectsInvalidWorkflow(t *testing.T) {
	e := newTestEngine(t, echoGenerator("x"))
	wf := pipelineWorkflow()
	wf.Steps[0].Target = "ghost"

	res, err := e.Run(context.Background(), wf, "")
	require.Error(t, err)
	assert.Nil(t, res)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
}

func TestRunJournalEvents(t *testing.T) {
	journal := &memJournal{}
	e := newTestEngine(t, echoGenerator("ok"), WithJournal(journal))

	res, err := e.Run(context.Background(), pipelineWorkflow(), "in")
	require.NoError(t, err)

	require.Len(t, journal.starts, 1)
	assert.Equal(t, res.RunID, journal.starts[0].RunID)
	assert.Equal(t, "summarize", journal.starts[0].Workflow)

	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventTaskStarted, schema.EventTaskCompleted,
		schema.EventTaskStarted, schema.EventTaskCompleted,
		schema.EventRunCompleted,
	}, journal.eventTypes())
	assert.Equal(t, []schema.RunStatus{schema.RunStatusCompleted}, journal.finished)
}

func TestRunSurvivesJournalFailures(t *testing.T) {
	e := newTestEngine(t, echoGenerator("ok"), WithJournal(failingJournal{}))

	res, err := e.Run(context.Background(), pipelineWorkflow(), "in")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
}

func TestRunConditionRouting(t *testing.T) {
	// The generator answers "no" twice, then "yes"; the condition loops
	// through retry until the verdict matches.
	replies := []string{"no", "no", "yes"}
	var calls int
	gen := operators.GeneratorFunc(func(ctx context.Context, req operators.GenerateRequest) (string, error) {
		reply := replies[calls%len(replies)]
		calls++
		return reply, nil
	})
	e := newTestEngine(t, gen)

	wf := pipelineWorkflow()
	wf.Tasks[0].Outputs = []schema.Output{
		{Type: schema.OutputTypeWrite, Key: "verdict", Value: schema.KeyResult},
	}
	wf.Steps[0].Condition = &schema.Condition{
		Input:       schema.InputValue{Type: schema.InputTypeRead, Key: "verdict"},
		Expected:    "yes",
		Expression:  schema.ExpressionEqual,
		TargetIfNot: "draft",
	}
	wf.ReturnValue.Input = schema.InputValue{Type: schema.InputTypeRead, Key: "verdict"}

	res, err := e.Run(context.Background(), wf, "in")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "yes", res.Output)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 4, res.Steps)
}

func TestRunNumericConditionParseFailureIsNotSatisfied(t *testing.T) {
	e := newTestEngine(t, echoGenerator("not a number"))

	wf := pipelineWorkflow()
	wf.Config.MaxSteps = 3
	wf.Tasks[0].Outputs = []schema.Output{
		{Type: schema.OutputTypeWrite, Key: "score", Value: schema.KeyResult},
	}
	wf.Steps[0].Condition = &schema.Condition{
		Input:       schema.InputValue{Type: schema.InputTypeRead, Key: "score"},
		Expected:    "5",
		Expression:  schema.ExpressionGreaterThan,
		TargetIfNot: "draft",
	}

	res, err := e.Run(context.Background(), wf, "in")
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusStepLimit, res.Status)
}

func TestRunCustomPredicate(t *testing.T) {
	e := newTestEngine(t, echoGenerator("yes, definitely"))

	wf := pipelineWorkflow()
	wf.Tasks[0].Outputs = []schema.Output{
		{Type: schema.OutputTypeWrite, Key: "verdict", Value: schema.KeyResult},
	}
	wf.Steps[0].Condition = &schema.Condition{
		Input:       schema.InputValue{Type: schema.InputTypeRead, Key: "verdict"},
		Expected:    "yes",
		Expression:  schema.ExpressionCustom,
		Predicate:   `input.startsWith(expected)`,
		TargetIfNot: "draft",
	}
	wf.ReturnValue.Input = schema.InputValue{Type: schema.InputTypeRead, Key: "verdict"}

	res, err := e.Run(context.Background(), wf, "in")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Steps)
}

func TestRunMissingConditionInputRoutesToTargetIfNot(t *testing.T) {
	e := newTestEngine(t, echoGenerator("ok"))

	// The condition reads a key no task ever writes; the run must not
	// fail, it routes through target_if_not like any unsatisfied
	// condition.
	wf := pipelineWorkflow()
	wf.Tasks = append(wf.Tasks, schema.Task{
		ID:       "revise",
		Name:     "Revise",
		Prompt:   "revise it",
		Operator: schema.OperatorGeneration,
		Outputs: []schema.Output{
			{Type: schema.OutputTypeWrite, Key: "path", Value: "revised"},
		},
	})
	wf.Steps = []schema.Step{
		{
			Source: "draft",
			Target: "finish",
			Condition: &schema.Condition{
				Input:       schema.InputValue{Type: schema.InputTypeRead, Key: "never-written"},
				Expected:    "yes",
				Expression:  schema.ExpressionEqual,
				TargetIfNot: "revise",
			},
		},
		{Source: "revise", Target: "finish"},
		{Source: "finish", Target: schema.KeyEnd},
	}

	res, err := e.Run(context.Background(), wf, "in")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, 3, res.Steps)

	path, ok := res.Memory.Read("path")
	require.True(t, ok)
	assert.Equal(t, "revised", path)
}

func TestRunFallbackOnOperatorFailure(t *testing.T) {
	var calls int
	gen := operators.GeneratorFunc(func(ctx context.Context, req operators.GenerateRequest) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("backend exploded")
		}
		return "recovered", nil
	})
	journal := &memJournal{}
	e := newTestEngine(t, gen, WithJournal(journal))

	wf := pipelineWorkflow()
	wf.Tasks = append(wf.Tasks, schema.Task{
		ID:       "rescue",
		Name:     "Rescue",
		Prompt:   "try again",
		Operator: schema.OperatorGeneration,
		Outputs: []schema.Output{
			{Type: schema.OutputTypeWrite, Key: "summary", Value: schema.KeyResult},
		},
	})
	wf.Steps = []schema.Step{
		{Source: "draft", Target: "finish", Fallback: "rescue"},
		{Source: "rescue", Target: "finish"},
		{Source: "finish", Target: schema.KeyEnd},
	}

	res, err := e.Run(context.Background(), wf, "in")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "recovered", res.Output)
	assert.Contains(t, journal.eventTypes(), schema.EventFallbackTaken)
}

func TestRunMissingRequiredInputTakesFallback(t *testing.T) {
	var calls int
	var prompts []string
	gen := operators.GeneratorFunc(func(ctx context.Context, req operators.GenerateRequest) (string, error) {
		calls++
		prompts = append(prompts, req.Prompt)
		return "recovered", nil
	})
	e := newTestEngine(t, gen)

	wf := pipelineWorkflow()
	wf.Tasks[0].Inputs = []schema.Input{
		{Name: "text", Value: schema.InputValue{Type: schema.InputTypeRead, Key: "absent"}, Required: true},
	}
	wf.Tasks = append(wf.Tasks, schema.Task{
		ID:       "rescue",
		Name:     "Rescue",
		Prompt:   "fallback path",
		Operator: schema.OperatorGeneration,
		Outputs: []schema.Output{
			{Type: schema.OutputTypeWrite, Key: "summary", Value: schema.KeyResult},
		},
	})
	wf.Steps = []schema.Step{
		{Source: "draft", Target: "finish", Fallback: "rescue"},
		{Source: "rescue", Target: "finish"},
		{Source: "finish", Target: schema.KeyEnd},
	}

	res, err := e.Run(context.Background(), wf, "in")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Output)

	// The draft task's input failed to resolve, so its generator call
	// must never happen; only the rescue task reaches the backend.
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"fallback path"}, prompts)
}

func TestRunFailsWithoutFallback(t *testing.T) {
	backendErr := errors.New("backend exploded")
	gen := operators.GeneratorFunc(func(ctx context.Context, req operators.GenerateRequest) (string, error) {
		return "", backendErr
	})
	e := newTestEngine(t, gen)

	res, err := e.Run(context.Background(), pipelineWorkflow(), "in")
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.ErrorIs(t, err, backendErr)
	require.NotNil(t, res.Err)
	assert.Equal(t, schema.ErrCodeOperator, res.Err.Code)

	// Failed tasks must not leak outputs into memory.
	_, ok := res.Memory.Read("summary")
	assert.False(t, ok)
}

func TestRunStepLimit(t *testing.T) {
	e := newTestEngine(t, echoGenerator("never done"))

	wf := pipelineWorkflow()
	wf.Config.MaxSteps = 3
	wf.Steps[0].Condition = &schema.Condition{
		Input:       schema.InputValue{Type: schema.InputTypeString, Key: "no"},
		Expected:    "yes",
		Expression:  schema.ExpressionEqual,
		TargetIfNot: "draft",
	}

	res, err := e.Run(context.Background(), wf, "in")
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusStepLimit, res.Status)
	assert.Equal(t, 3, res.Steps)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeStepLimit, lerr.Code)
}

func TestRunStepBudgetBoundary(t *testing.T) {
	e := newTestEngine(t, echoGenerator("ok"))

	// Exactly as many invocations as the budget allows still completes.
	wf := pipelineWorkflow()
	wf.Config.MaxSteps = 2

	res, err := e.Run(context.Background(), wf, "in")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Steps)
}

func TestRunTimeLimit(t *testing.T) {
	gen := operators.GeneratorFunc(func(ctx context.Context, req operators.GenerateRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	e := newTestEngine(t, gen)

	wf := pipelineWorkflow()
	wf.Config.MaxTime = 1

	start := time.Now()
	res, err := e.Run(context.Background(), wf, "in")
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusTimeLimit, res.Status)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeTimeLimit, lerr.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunExternalMemoryAndExpressions(t *testing.T) {
	var gotPrompt string
	e := newTestEngine(t, operators.GeneratorFunc(func(ctx context.Context, req operators.GenerateRequest) (string, error) {
		gotPrompt = req.Prompt
		return "done", nil
	}))

	wf := pipelineWorkflow()
	wf.ExternalMemory = map[string]schema.StringOrList{
		"topic": {Values: []string{"queues"}},
		"notes": {Values: []string{"a", "b"}, List: true},
	}
	wf.Tasks[0].Inputs = append(wf.Tasks[0].Inputs, schema.Input{
		Name: "summary_line",
		Value: schema.InputValue{
			Type:       schema.InputTypeExpression,
			Expression: `cache.topic + " (" + string(len(stacks.notes)) + " notes)"`,
		},
		Required: true,
	})
	wf.Tasks[0].Prompt = "About {summary_line}: {text}"
	wf.Tasks[0].Outputs = append(wf.Tasks[0].Outputs, schema.Output{
		Type: schema.OutputTypeWrite, Key: "line", Value: schema.KeyResult,
	})
	wf.ReturnValue.Input = schema.InputValue{Type: schema.InputTypeRead, Key: "summary"}

	res, err := e.Run(context.Background(), wf, "payload")
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, "About queues (2 notes): payload", gotPrompt)
}

func TestRunReturnValuePostProcessing(t *testing.T) {
	e := newTestEngine(t, echoGenerator(`  {"title": "THE ANSWER", "score": 7}  `))

	wf := pipelineWorkflow()
	wf.ReturnValue = schema.ReturnValue{
		Input: schema.InputValue{Type: schema.InputTypeRead, Key: "summary"},
		PostProcess: []schema.PostProcess{
			{Type: schema.PostProcessTrim},
		},
		ToJSON: true,
		JQ:     `.title`,
	}

	res, err := e.Run(context.Background(), wf, "in")
	require.NoError(t, err)
	assert.Equal(t, "THE ANSWER", res.Output)
}

func TestRunReturnValueJQFailureFailsRun(t *testing.T) {
	e := newTestEngine(t, echoGenerator("not json"))

	wf := pipelineWorkflow()
	wf.ReturnValue.JQ = `.title`

	res, err := e.Run(context.Background(), wf, "in")
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
}

func TestRunSemanticStoreRoundTrip(t *testing.T) {
	store := memory.NewSemanticStore(memory.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0}, nil
	}))
	e := newTestEngine(t, echoGenerator("queues decouple producers"), WithSemanticStore(store))

	// First task inserts its result into the store; the search task then
	// retrieves it as the run output.
	wf := &schema.Workflow{
		Name:   "remember",
		Config: schema.Config{MaxSteps: 10, MaxTime: 60},
		Tasks: []schema.Task{
			{
				ID:       "learn",
				Name:     "Learn",
				Prompt:   "state a fact",
				Operator: schema.OperatorGeneration,
				Outputs: []schema.Output{
					{Type: schema.OutputTypeInsert, Value: schema.KeyResult},
				},
			},
			{
				ID:       "recall",
				Name:     "Recall",
				Prompt:   "what do queues do",
				Operator: schema.OperatorSearch,
				Outputs: []schema.Output{
					{Type: schema.OutputTypeWrite, Key: "fact", Value: schema.KeyResult},
				},
			},
			{ID: "finish", Name: "Finish", Operator: schema.OperatorEnd},
		},
		Steps: []schema.Step{
			{Source: "learn", Target: "recall"},
			{Source: "recall", Target: "finish"},
			{Source: "finish", Target: schema.KeyEnd},
		},
		ReturnValue: schema.ReturnValue{
			Input: schema.InputValue{Type: schema.InputTypeRead, Key: "fact"},
		},
	}

	res, err := e.Run(context.Background(), wf, "")
	require.NoError(t, err)
	assert.Equal(t, "queues decouple producers", res.Output)
}
