package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/pkg/schema"
)

func TestPipelineValidWorkflow(t *testing.T) {
	result := NewPipeline().Validate(validWorkflow())
	assert.True(t, result.Valid(), "issues: %v", result.Issues)
	assert.NoError(t, ValidateWorkflow(validWorkflow()))
}

func TestPipelineStructuralShortCircuit(t *testing.T) {
	wf := validWorkflow()
	wf.Name = ""
	// This semantic problem must not surface while the document is
	// structurally invalid.
	wf.Steps[0].Target = "ghost"

	result := NewPipeline().Validate(wf)
	require.False(t, result.Valid())
	for _, issue := range result.Issues {
		assert.NotContains(t, issue.Message, "ghost")
	}
}

func TestPipelineSemanticShortCircuit(t *testing.T) {
	wf := validWorkflow()
	wf.Tasks[1].Operator = schema.OperatorGeneration
	// Without an end task the semantic stage fails; the graph stage's
	// missing-path finding must not pile on.
	wf.Steps = []schema.Step{
		{Source: "draft", Target: "finish"},
		{Source: "finish", Target: "draft"},
	}

	result := NewPipeline().Validate(wf)
	require.False(t, result.Valid())
	for _, issue := range result.Issues {
		assert.NotEqual(t, "/steps", issue.Path)
	}
}

func TestPipelineGraphStageRuns(t *testing.T) {
	wf := validWorkflow()
	wf.Tasks = append(wf.Tasks, schema.Task{ID: "island", Name: "Island", Operator: schema.OperatorGeneration})
	wf.Steps = append(wf.Steps, schema.Step{Source: "island", Target: "finish"})

	result := NewPipeline().Validate(wf)
	require.False(t, result.Valid())
	findIssue(t, result, "/tasks/2")
}

func TestValidateWorkflowError(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Target = "ghost"

	err := ValidateWorkflow(wf)
	require.Error(t, err)
	var lerr *schema.LoomError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
}
