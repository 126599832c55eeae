package schema

// RunStatus is the terminal outcome of one workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStepLimit RunStatus = "step_limit_exceeded"
	RunStatusTimeLimit RunStatus = "time_limit_exceeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a halt state.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Journal event types recorded by the run store.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunHalted    = "run.halted"
	EventTaskStarted  = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed   = "task.failed"
	EventFallbackTaken = "task.fallback"
	EventConditionRouted = "task.condition"
)
