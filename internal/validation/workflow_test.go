package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklace/tasklace/pkg/schema"
)

func buildWorkflow(t *testing.T, tasks ...*schema.Task) *schema.Workflow {
	t.Helper()
	wf := schema.NewWorkflow("wf-1", "test")
	for _, task := range tasks {
		require.NoError(t, wf.AddTask(task))
	}
	return wf
}

func TestBuildDependencies_DeclaredAndInferred(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "fetch", Kind: schema.KindTool, Action: "http.get"},
		&schema.Task{ID: "parse", Kind: schema.KindHandler,
			Input: map[string]any{"body": "${fetch.result.body}"}},
		&schema.Task{ID: "store", Kind: schema.KindTool, Action: "db.put",
			DependsOn: []string{"parse"},
			Input: map[string]any{
				"data":   "${parse.result}",
				"region": "${workflow.region}",
			}},
	)

	deps := BuildDependencies(wf)
	assert.Empty(t, deps["fetch"])
	assert.Equal(t, []string{"fetch"}, deps["parse"])
	assert.Equal(t, []string{"parse"}, deps["store"])
}

func TestBuildDependencies_IgnoresReservedAndUnknownRoots(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t",
			Input: map[string]any{
				"e": "${error.a.code | \"\"}",
				"w": "${workflow.id}",
				"x": "${not_a_task.field | 1}",
			}},
	)

	deps := BuildDependencies(wf)
	assert.Empty(t, deps["a"])
}

func TestEdgeSources(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t", OnSuccess: "b", OnFailure: "c"},
		&schema.Task{ID: "b", Kind: schema.KindTool, Action: "t",
			Branches: []schema.Branch{{When: "output.success", To: "c"}}},
		&schema.Task{ID: "c", Kind: schema.KindTool, Action: "t"},
	)

	sources := EdgeSources(wf)
	assert.Empty(t, sources["a"])
	assert.Equal(t, []string{"a"}, sources["b"])
	assert.Equal(t, []string{"a", "b"}, sources["c"])
}

func TestValidateWorkflow_Valid(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t"},
		&schema.Task{ID: "b", Kind: schema.KindModel, DependsOn: []string{"a"},
			Retry: &schema.RetryPolicy{MaxRetries: 2, Backoff: "exponential", Delay: "100ms"}},
	)
	assert.NoError(t, ValidateWorkflow(wf))
}

func TestValidateWorkflow_Empty(t *testing.T) {
	assert.Error(t, ValidateWorkflow(nil))
	assert.Error(t, ValidateWorkflow(schema.NewWorkflow("wf", "empty")))
}

func TestValidateWorkflow_UnknownEdgeTarget(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t", OnSuccess: "ghost"},
	)
	err := ValidateWorkflow(wf)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestValidateWorkflow_UnknownDependency(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t", DependsOn: []string{"ghost"}},
	)
	assert.Error(t, ValidateWorkflow(wf))
}

func TestValidateWorkflow_SelfDependency(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t", DependsOn: []string{"a"}},
	)
	err := ValidateWorkflow(wf)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeCycleDetected, fe.Code)
}

func TestValidateWorkflow_CycleDetected(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t", DependsOn: []string{"c"}},
		&schema.Task{ID: "b", Kind: schema.KindTool, Action: "t", DependsOn: []string{"a"}},
		&schema.Task{ID: "c", Kind: schema.KindTool, Action: "t", DependsOn: []string{"b"}},
	)
	err := ValidateWorkflow(wf)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeCycleDetected, fe.Code)
	assert.Equal(t, []string{"a", "b", "c"}, fe.Details["tasks"])
}

func TestValidateWorkflow_CycleThroughInferredDependency(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t",
			Input: map[string]any{"x": "${b.result}"}},
		&schema.Task{ID: "b", Kind: schema.KindTool, Action: "t", DependsOn: []string{"a"}},
	)
	err := ValidateWorkflow(wf)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeCycleDetected, fe.Code)
}

func TestValidateWorkflow_BadJoin(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t",
			Join: &schema.JoinSpec{Type: schema.JoinCount}},
	)
	assert.Error(t, ValidateWorkflow(wf))

	wf = buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t",
			Join: &schema.JoinSpec{Type: "most"}},
	)
	assert.Error(t, ValidateWorkflow(wf))
}

func TestValidateWorkflow_BadRetryDuration(t *testing.T) {
	wf := buildWorkflow(t,
		&schema.Task{ID: "a", Kind: schema.KindTool, Action: "t",
			Retry: &schema.RetryPolicy{MaxRetries: 1, Delay: "soon"}},
	)
	assert.Error(t, ValidateWorkflow(wf))
}

func TestValidateWorkflow_InvalidKind(t *testing.T) {
	wf := buildWorkflow(t, &schema.Task{ID: "a", Kind: "shell"})
	assert.Error(t, ValidateWorkflow(wf))
}

func TestValidateWorkflow_ReservedTaskID(t *testing.T) {
	wf := buildWorkflow(t, &schema.Task{ID: "error", Kind: schema.KindTool, Action: "t"})
	assert.Error(t, ValidateWorkflow(wf))

	wf = buildWorkflow(t, &schema.Task{ID: "workflow", Kind: schema.KindTool, Action: "t"})
	assert.Error(t, ValidateWorkflow(wf))
}
