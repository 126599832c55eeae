package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/loom/internal/scheduler"
	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/internal/validation"
	"github.com/rendis/loom/pkg/schema"
)

// handleValidate checks a definition and returns the full issue list.
func (s *LoomServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definition, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	wf, err := schema.Parse([]byte(definition))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("parse failed: %v", err)), nil
	}

	result := validation.NewPipeline().Validate(wf)
	return marshalResult(map[string]any{
		"valid":  result.Valid(),
		"issues": result.Issues,
	})
}

// handleRun executes an inline definition or a stored workflow.
func (s *LoomServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definition := req.GetString("definition", "")
	name := req.GetString("name", "")
	input := req.GetString("input", "")

	var raw []byte
	switch {
	case definition != "":
		raw = []byte(definition)
	case name != "":
		if s.store == nil {
			return mcp.NewToolResultError("no store configured for stored workflows"), nil
		}
		stored, err := s.store.GetWorkflow(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
		}
		raw = stored.Definition
	default:
		return mcp.NewToolResultError("either definition or name is required"), nil
	}

	wf, err := schema.Parse(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("parse failed: %v", err)), nil
	}

	res, runErr := s.engine.Run(ctx, wf, input)
	if res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run rejected: %v", runErr)), nil
	}
	// Budget halts and task failures still carry a result worth returning.
	return marshalResult(res)
}

// handleDefine validates and stores a named definition.
func (s *LoomServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}
	definition, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	wf, err := schema.Parse([]byte(definition))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("parse failed: %v", err)), nil
	}
	if err := validation.ValidateWorkflow(wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validation failed: %v", err)), nil
	}

	if err := s.store.SaveWorkflow(ctx, &store.StoredWorkflow{
		Name:        wf.Name,
		Description: wf.Description,
		Definition:  []byte(definition),
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save failed: %v", err)), nil
	}

	return marshalResult(map[string]any{"name": wf.Name, "stored": true})
}

// handleSchedule manages the cron job table feeding the scheduler: set
// creates a job for a stored workflow, remove deletes one, list shows
// them all.
func (s *LoomServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	switch action := req.GetString("action", "list"); action {
	case "set":
		workflow, err := req.RequireString("workflow")
		if err != nil {
			return mcp.NewToolResultError("workflow is required"), nil
		}
		cronExpr, err := req.RequireString("cron")
		if err != nil {
			return mcp.NewToolResultError("cron is required"), nil
		}
		if _, err := s.store.GetWorkflow(ctx, workflow); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
		}
		next, err := scheduler.NextRun(cronExpr, time.Now().UTC())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
		}

		job := &store.ScheduledJob{
			ID:        uuid.NewString(),
			Workflow:  workflow,
			CronExpr:  cronExpr,
			Input:     req.GetString("input", ""),
			Enabled:   true,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.CreateScheduledJob(ctx, job); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("save job failed: %v", err)), nil
		}
		return marshalResult(map[string]any{
			"job_id":   job.ID,
			"workflow": job.Workflow,
			"cron":     job.CronExpr,
			"next_run": next,
		})

	case "remove":
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError("job_id is required"), nil
		}
		if err := s.store.DeleteScheduledJob(ctx, jobID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("remove job failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"job_id": jobID, "removed": true})

	case "list":
		jobs, err := s.store.ListScheduledJobs(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list jobs failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"jobs": jobs})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
}

// handleRuns lists runs or returns one run's event journal.
func (s *LoomServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
		events, err := s.store.GetRunEvents(ctx, runID, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event lookup failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"run": run, "events": events})
	}

	limit := req.GetInt("limit", 20)
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		Workflow: req.GetString("workflow", ""),
		Status:   schema.RunStatus(req.GetString("status", "")),
		Limit:    limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// marshalResult encodes a value as an indented JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
