// Package engine executes validated workflows: it walks the transition
// table from the entry task, dispatches each task to its operator
// handler, applies outputs to the run's memory, and routes through
// conditions and fallbacks until the end task, a budget, or a failure
// halts the run.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/loom/internal/expressions"
	"github.com/rendis/loom/internal/logging"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/memory"
	"github.com/rendis/loom/pkg/operators"
	"github.com/rendis/loom/pkg/schema"
)

// Engine runs workflows against a fixed operator registry. One Engine
// serves many concurrent runs; all per-run state lives in the run's
// memory and locals.
type Engine struct {
	registry *operators.Registry
	pipeline *validation.Pipeline

	expr *expressions.ExprEngine
	cel  *expressions.CELEngine
	jq   *expressions.GoJQEngine

	journal Journal
	logger  *slog.Logger
	store   *memory.SemanticStore
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithJournal attaches a run journal.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		if j != nil {
			e.journal = j
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSemanticStore shares a semantic store across runs, enabling the
// search operator and insert outputs.
func WithSemanticStore(store *memory.SemanticStore) Option {
	return func(e *Engine) { e.store = store }
}

// New creates an Engine dispatching to the given registry.
func New(registry *operators.Registry, opts ...Option) (*Engine, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		registry: registry,
		pipeline: validation.NewPipeline(),
		expr:     expressions.NewExprEngine(),
		cel:      cel,
		jq:       expressions.NewGoJQEngine(),
		journal:  NopJournal{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunResult is the outcome of one workflow run.
type RunResult struct {
	RunID    string            `json:"run_id"`
	Workflow string            `json:"workflow"`
	Status   schema.RunStatus  `json:"status"`
	Output   string            `json:"output,omitempty"`
	Err      *schema.LoomError `json:"error,omitempty"`
	// Steps is the number of task invocations the run performed.
	Steps       int       `json:"steps"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Memory is the run's final memory, for post-run inspection.
	Memory *memory.Memory `json:"-"`
}

// Run validates and executes a workflow with the given initial input.
// The returned error is nil exactly when the run completed; budget halts
// and task failures surface both in the result's Status and as the
// error.
func (e *Engine) Run(ctx context.Context, wf *schema.Workflow, input string) (*RunResult, error) {
	if result := e.pipeline.Validate(wf); !result.Valid() {
		return nil, result.ToError()
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	ctx = logging.WithWorkflow(ctx, wf.Name)

	res := &RunResult{
		RunID:     runID,
		Workflow:  wf.Name,
		Status:    schema.RunStatusRunning,
		StartedAt: time.Now(),
	}

	mem := e.newMemory(wf, input)
	res.Memory = mem

	if wf.Config.MaxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(wf.Config.MaxTime)*time.Second)
		defer cancel()
	}

	if err := e.journal.StartRun(ctx, RunRecord{
		RunID:     runID,
		Workflow:  wf.Name,
		Input:     input,
		StartedAt: res.StartedAt,
	}); err != nil {
		e.logger.WarnContext(ctx, "journal start failed", slog.String("error", err.Error()))
	}
	e.appendEvent(ctx, Event{RunID: runID, Type: schema.EventRunStarted, At: time.Now()})

	runErr := e.walk(ctx, wf, mem, input, res)
	res.CompletedAt = time.Now()

	if runErr == nil {
		output, err := e.extractReturnValue(ctx, wf.ReturnValue, mem, input)
		if err != nil {
			runErr = err
			res.Status = schema.RunStatusFailed
		} else {
			res.Output = output
		}
	}

	e.finish(ctx, res, runErr)
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

// newMemory builds the run's memory: the initial input under the
// reserved key, then externally supplied entries.
func (e *Engine) newMemory(wf *schema.Workflow, input string) *memory.Memory {
	var opts []memory.Option
	if e.store != nil {
		opts = append(opts, memory.WithSemanticStore(e.store))
	}
	mem := memory.New(opts...)
	mem.Write(schema.KeyInput, input)
	mem.LoadExternal(wf.ExternalMemory)
	return mem
}

// walk drives the task graph until a terminal state. It mutates res and
// returns the halting error, or nil on completion.
func (e *Engine) walk(ctx context.Context, wf *schema.Workflow, mem *memory.Memory, input string, res *RunResult) error {
	current := wf.EntryTaskID()

	for {
		if current == schema.KeyEnd {
			res.Status = schema.RunStatusCompleted
			return nil
		}
		if err := ctx.Err(); err != nil {
			res.Status = schema.RunStatusTimeLimit
			return schema.NewErrorf(schema.ErrCodeTimeLimit,
				"run exceeded its %ds time budget", wf.Config.MaxTime).WithCause(err)
		}
		if res.Steps >= wf.Config.MaxSteps {
			res.Status = schema.RunStatusStepLimit
			return schema.NewErrorf(schema.ErrCodeStepLimit,
				"run exceeded its %d step budget", wf.Config.MaxSteps)
		}

		task := wf.TaskByID(current)
		if task == nil {
			res.Status = schema.RunStatusFailed
			return schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", current)
		}

		res.Steps++
		execErr := e.executeTask(ctx, wf, task, mem, input)
		step := wf.StepBySource(current)

		if execErr != nil {
			if ctx.Err() != nil {
				res.Status = schema.RunStatusTimeLimit
				return schema.NewErrorf(schema.ErrCodeTimeLimit,
					"run exceeded its %ds time budget", wf.Config.MaxTime).WithCause(execErr)
			}
			if step != nil && step.Fallback != "" {
				e.logger.WarnContext(ctx, "task failed, taking fallback",
					slog.String("task", current),
					slog.String("fallback", step.Fallback),
					slog.String("error", execErr.Error()))
				e.appendEvent(ctx, Event{
					RunID: res.RunID, Type: schema.EventFallbackTaken, TaskID: current,
					Payload: map[string]any{"fallback": step.Fallback, "error": execErr.Error()},
					At:      time.Now(),
				})
				current = step.Fallback
				continue
			}
			res.Status = schema.RunStatusFailed
			return execErr
		}

		if task.Operator == schema.OperatorEnd {
			res.Status = schema.RunStatusCompleted
			return nil
		}
		if step == nil {
			res.Status = schema.RunStatusFailed
			return schema.NewErrorf(schema.ErrCodeNotFound,
				"task %q has no outgoing step", current).WithTask(current)
		}

		next := step.Target
		if step.Condition != nil {
			satisfied, err := e.evaluateCondition(ctx, step.Condition, mem, input)
			if err != nil {
				res.Status = schema.RunStatusFailed
				return schema.NewErrorf(schema.ErrCodeCondition,
					"condition after task %q: %s", current, err.Error()).
					WithTask(current).
					WithCause(err)
			}
			if !satisfied {
				next = step.Condition.TargetIfNot
			}
			e.appendEvent(ctx, Event{
				RunID: res.RunID, Type: schema.EventConditionRouted, TaskID: current,
				Payload: map[string]any{"satisfied": satisfied, "next": next},
				At:      time.Now(),
			})
		}
		current = next
	}
}

// executeTask resolves inputs, fills the prompt, dispatches to the
// operator handler, and applies outputs. Outputs are applied only after
// the handler succeeds.
func (e *Engine) executeTask(ctx context.Context, wf *schema.Workflow, task *schema.Task, mem *memory.Memory, input string) error {
	ctx = logging.WithTaskID(ctx, task.ID)
	started := time.Now()

	e.logger.DebugContext(ctx, "task started", slog.String("operator", string(task.Operator)))
	e.appendEvent(ctx, Event{
		RunID: logging.RunID(ctx), Type: schema.EventTaskStarted, TaskID: task.ID,
		Payload: map[string]any{"operator": string(task.Operator)},
		At:      started,
	})

	inputs, err := e.resolveInputs(ctx, task, mem, input)
	if err == nil {
		var result string
		result, err = e.dispatch(ctx, wf, task, mem, inputs)
		if err == nil {
			err = e.applyOutputs(ctx, task, mem, result)
		}
	}

	if err != nil {
		e.logger.WarnContext(ctx, "task failed",
			slog.String("operator", string(task.Operator)),
			slog.String("error", err.Error()))
		e.appendEvent(ctx, Event{
			RunID: logging.RunID(ctx), Type: schema.EventTaskFailed, TaskID: task.ID,
			Payload: map[string]any{"error": err.Error()},
			At:      time.Now(),
		})
		return err
	}

	e.logger.InfoContext(ctx, "task completed",
		slog.String("operator", string(task.Operator)),
		slog.Duration("duration", time.Since(started)))
	e.appendEvent(ctx, Event{
		RunID: logging.RunID(ctx), Type: schema.EventTaskCompleted, TaskID: task.ID,
		Payload: map[string]any{"duration_ms": time.Since(started).Milliseconds()},
		At:      time.Now(),
	})
	return nil
}

func (e *Engine) dispatch(ctx context.Context, wf *schema.Workflow, task *schema.Task, mem *memory.Memory, inputs map[string]string) (string, error) {
	handler, err := e.registry.Get(task.Operator)
	if err != nil {
		return "", err
	}
	return handler.Execute(ctx, &operators.Invocation{
		Task:   task,
		Config: wf.Config,
		Prompt: fillPrompt(task.Prompt, inputs),
		Inputs: inputs,
		Memory: mem,
	})
}

// applyOutputs writes the operator's result through the task's output
// bindings. The __result sentinel resolves to the produced string; any
// other value literal is stored verbatim.
func (e *Engine) applyOutputs(ctx context.Context, task *schema.Task, mem *memory.Memory, result string) error {
	for _, out := range task.Outputs {
		value := out.Value
		if value == schema.KeyResult {
			value = result
		}
		switch out.Type {
		case schema.OutputTypeWrite:
			mem.Write(out.Key, value)
		case schema.OutputTypePush:
			mem.Push(out.Key, value)
		case schema.OutputTypeInsert:
			if err := mem.Insert(ctx, "", value); err != nil {
				return schema.NewErrorf(schema.ErrCodeOperator, "insert output: %s", err.Error()).
					WithTask(task.ID).
					WithCause(err)
			}
		}
	}
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, ev Event) {
	if err := e.journal.AppendEvent(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "journal append failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) finish(ctx context.Context, res *RunResult, runErr error) {
	eventType := schema.EventRunCompleted
	if runErr != nil {
		eventType = schema.EventRunHalted
		if lerr, ok := runErr.(*schema.LoomError); ok {
			res.Err = lerr
		} else {
			res.Err = schema.NewError(schema.ErrCodeOperator, runErr.Error()).WithCause(runErr)
		}
		if res.Status == schema.RunStatusRunning {
			res.Status = schema.RunStatusFailed
		}
	}

	payload := map[string]any{"status": string(res.Status), "steps": res.Steps}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	e.appendEvent(ctx, Event{RunID: res.RunID, Type: eventType, Payload: payload, At: time.Now()})

	if err := e.journal.FinishRun(ctx, res.RunID, res.Status, res.Output, runErr); err != nil {
		e.logger.WarnContext(ctx, "journal finish failed", slog.String("error", err.Error()))
	}

	e.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(res.Status)),
		slog.Int("steps", res.Steps),
		slog.Duration("duration", res.CompletedAt.Sub(res.StartedAt)))
}
