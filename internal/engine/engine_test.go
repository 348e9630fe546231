package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklace/tasklace/internal/strategy"
	"github.com/tasklace/tasklace/pkg/schema"
)

// recorder tracks tool completion order across goroutines.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, id)
}

func (r *orderRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *orderRecorder) indexOf(id string) int {
	for i, v := range r.list() {
		if v == id {
			return i
		}
	}
	return -1
}

func testRegistry(t *testing.T, tools map[string]strategy.ToolFunc) *strategy.Registry {
	t.Helper()
	fr := strategy.NewFuncRegistry()
	for name, fn := range tools {
		require.NoError(t, fr.Register(name, fn))
	}
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(strategy.NewToolStrategy(fr)))
	require.NoError(t, reg.Register(strategy.NewHandlerStrategy(nil)))
	return reg
}

func echoTool(ctx context.Context, input map[string]any) (any, error) {
	return input, nil
}

func TestRun_LinearDataFlow(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"add": func(ctx context.Context, input map[string]any) (any, error) {
			return input["a"].(int) + input["b"].(int), nil
		},
		"echo": echoTool,
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-linear", "linear")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t1", Kind: schema.KindTool, Action: "add",
		Input: map[string]any{"a": 2, "b": 3},
	}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t2", Kind: schema.KindTool, Action: "echo",
		Input: map[string]any{"value": "${t1.result}"},
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, schema.TaskStatusCompleted, res.Tasks["t1"])
	assert.Equal(t, 5, res.Outputs["t1"].Result)

	// The downstream task receives the native integer, not a string.
	t2Result, ok := res.Outputs["t2"].Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5, t2Result["value"])
	assert.Nil(t, res.ErrorSummary)
}

func TestRun_RetriesExhausted(t *testing.T) {
	attempts := 0
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"flaky": func(ctx context.Context, input map[string]any) (any, error) {
			attempts++
			return nil, errors.New("upstream 503")
		},
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-retry", "retry")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "flaky", Kind: schema.KindTool, Action: "flaky",
		Retry: &schema.RetryPolicy{MaxRetries: 2, Backoff: "constant", Delay: "1ms"},
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)

	// max_retries = 2 means exactly 3 attempts.
	assert.Equal(t, 3, attempts)
	assert.Equal(t, schema.TaskStatusFailed, res.Tasks["flaky"])
	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)

	require.NotNil(t, res.ErrorSummary)
	assert.Contains(t, res.ErrorSummary.TasksWithErrors, "flaky")
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.ErrorSummary.LatestError.Code)
	assert.Equal(t, 3, res.ErrorSummary.LatestError.Details["attempts"])
}

func TestRun_RetryThenSuccess(t *testing.T) {
	attempts := 0
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"flaky": func(ctx context.Context, input map[string]any) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection reset")
			}
			return "finally", nil
		},
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-recover", "recover")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "flaky", Kind: schema.KindTool, Action: "flaky",
		Retry: &schema.RetryPolicy{MaxRetries: 3, Delay: "1ms"},
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "finally", res.Outputs["flaky"].Result)
	assert.Nil(t, res.ErrorSummary)
}

func TestRun_NonRetryableFailureSkipsRetry(t *testing.T) {
	reg := testRegistry(t, nil)
	e := New(reg)

	// Unknown tool is CAPABILITY_NOT_FOUND, which never retries even with
	// a retry policy configured.
	wf := schema.NewWorkflow("wf-noretry", "noretry")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "missing", Kind: schema.KindTool, Action: "no.such.tool",
		Retry: &schema.RetryPolicy{MaxRetries: 3, Delay: "1ms"},
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, res.Tasks["missing"])
	require.NotNil(t, res.ErrorSummary)
	assert.Equal(t, schema.ErrCodeCapabilityNotFound, res.ErrorSummary.LatestError.Code)
}

func TestRun_ConditionFalseSkips(t *testing.T) {
	dispatched := false
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"work": func(ctx context.Context, input map[string]any) (any, error) {
			dispatched = true
			return "done", nil
		},
		"echo": echoTool,
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-cond", "cond")
	wf.Variables["enabled"] = false
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "gated", Kind: schema.KindTool, Action: "work",
		Condition: "vars.enabled == true",
	}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "after", Kind: schema.KindTool, Action: "echo",
		DependsOn: []string{"gated"},
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.False(t, dispatched)
	assert.Equal(t, schema.TaskStatusSkipped, res.Tasks["gated"])

	// A skipped dependency is terminal: the default all join is satisfied.
	assert.Equal(t, schema.TaskStatusCompleted, res.Tasks["after"])
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
}

func TestRun_ConditionErrorIsFalsePlusWarning(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{"echo": echoTool})
	e := New(reg)

	wf := schema.NewWorkflow("wf-badcond", "badcond")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "gated", Kind: schema.KindTool, Action: "echo",
		Condition: "score > 10", // no score anywhere: evaluation error
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusSkipped, res.Tasks["gated"])
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "gated")
}

func TestRun_FailureEdgeAndErrorReferences(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"broken": func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{
				"success":    false,
				"error":      "remote rejected",
				"error_code": "E1",
			}, nil
		},
		"echo": echoTool,
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-fallback", "fallback")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t1", Kind: schema.KindTool, Action: "broken", OnFailure: "t2",
	}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t2", Kind: schema.KindTool, Action: "echo",
		Input: map[string]any{"code": "${error.t1.error_code}"},
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, res.Tasks["t1"])
	assert.Equal(t, schema.TaskStatusCompleted, res.Tasks["t2"])

	t2Result := res.Outputs["t2"].Result.(map[string]any)
	assert.Equal(t, "E1", t2Result["code"])

	// The failure was routed, so the workflow completes, but the summary
	// still reports it with the propagation hop.
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	require.NotNil(t, res.ErrorSummary)
	assert.Contains(t, res.ErrorSummary.TasksWithErrors, "t1")
	assert.Equal(t, 1, res.ErrorSummary.PropagationCount)
}

func TestRun_UntakenEdgeTargetIsSkipped(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{"echo": echoTool})
	e := New(reg)

	wf := schema.NewWorkflow("wf-edges", "edges")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "a", Kind: schema.KindTool, Action: "echo", OnSuccess: "b", OnFailure: "c",
	}))
	require.NoError(t, wf.AddTask(&schema.Task{ID: "b", Kind: schema.KindTool, Action: "echo"}))
	require.NoError(t, wf.AddTask(&schema.Task{ID: "c", Kind: schema.KindTool, Action: "echo"}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Tasks["a"])
	assert.Equal(t, schema.TaskStatusCompleted, res.Tasks["b"])
	assert.Equal(t, schema.TaskStatusSkipped, res.Tasks["c"])
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
}

func TestRun_BranchTable(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"score": func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{"score": 15}, nil
		},
		"echo": echoTool,
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-branch", "branch")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "grade", Kind: schema.KindTool, Action: "score",
		Branches: []schema.Branch{{When: "score > 10", To: "high"}},
		OnSuccess: "low",
	}))
	require.NoError(t, wf.AddTask(&schema.Task{ID: "high", Kind: schema.KindTool, Action: "echo"}))
	require.NoError(t, wf.AddTask(&schema.Task{ID: "low", Kind: schema.KindTool, Action: "echo"}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, res.Tasks["high"])
	assert.Equal(t, schema.TaskStatusSkipped, res.Tasks["low"])
}

func TestRun_ResolutionFailureFailsWithoutDispatch(t *testing.T) {
	dispatched := false
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"work": func(ctx context.Context, input map[string]any) (any, error) {
			dispatched = true
			return nil, nil
		},
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-resolve", "resolve")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t1", Kind: schema.KindTool, Action: "work",
		Input: map[string]any{"v": "${workflow.missing_field}"},
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.False(t, dispatched)
	assert.Equal(t, schema.TaskStatusFailed, res.Tasks["t1"])
	assert.Equal(t, schema.ErrCodeVariableResolution, res.Outputs["t1"].ErrorCode)
	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
}

func TestRun_DefaultAppliesWithoutError(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{"echo": echoTool})
	e := New(reg)

	wf := schema.NewWorkflow("wf-default", "default")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t1", Kind: schema.KindTool, Action: "echo",
		Input: map[string]any{"v": `${workflow.missing_field | "X"}`},
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "X", res.Outputs["t1"].Result.(map[string]any)["v"])
	assert.Nil(t, res.ErrorSummary)
}

func TestRun_InitialInputOverridesVariables(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{"echo": echoTool})
	e := New(reg)

	wf := schema.NewWorkflow("wf-vars", "vars")
	wf.Variables["region"] = "us-east"
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t1", Kind: schema.KindTool, Action: "echo",
		Input: map[string]any{"region": "${workflow.region}"},
	}))

	res, err := e.Run(context.Background(), wf, map[string]any{"region": "eu-west"})
	require.NoError(t, err)
	assert.Equal(t, "eu-west", res.Outputs["t1"].Result.(map[string]any)["region"])

	// The workflow's own variable map is untouched.
	assert.Equal(t, "us-east", wf.Variables["region"])
}

func TestRun_TransformReshapesPayload(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"list": func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{"items": []any{"a", "b", "c"}}, nil
		},
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-jq", "jq")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t1", Kind: schema.KindTool, Action: "list",
		Transform: ".result.items | length",
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, 3, res.Outputs["t1"].Result)
	assert.Equal(t, res.Outputs["t1"].Result, res.Outputs["t1"].Response)
}

func TestRun_PanicIsConvertedToFailure(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"boom": func(ctx context.Context, input map[string]any) (any, error) {
			panic("blew up")
		},
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-panic", "panic")
	require.NoError(t, wf.AddTask(&schema.Task{ID: "t1", Kind: schema.KindTool, Action: "boom"}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, res.Tasks["t1"])
	assert.Equal(t, schema.ErrCodeStrategyExecution, res.Outputs["t1"].ErrorCode)
}

func TestRun_BindErrorsSurface(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{"echo": echoTool})
	e := New(reg)

	cyclic := schema.NewWorkflow("wf-cycle", "cycle")
	require.NoError(t, cyclic.AddTask(&schema.Task{
		ID: "a", Kind: schema.KindTool, Action: "echo", DependsOn: []string{"b"}}))
	require.NoError(t, cyclic.AddTask(&schema.Task{
		ID: "b", Kind: schema.KindTool, Action: "echo", DependsOn: []string{"a"}}))

	_, err := e.Run(context.Background(), cyclic, nil)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeCycleDetected, fe.Code)
}

func TestRun_WorkflowCannotRunTwice(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{"echo": echoTool})
	e := New(reg)

	wf := schema.NewWorkflow("wf-once", "once")
	require.NoError(t, wf.AddTask(&schema.Task{ID: "a", Kind: schema.KindTool, Action: "echo"}))

	_, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)

	_, err = e.Run(context.Background(), wf, nil)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestRun_WorkflowDeadline(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"slow": func(ctx context.Context, input map[string]any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow done", nil
		},
		"echo": echoTool,
	})
	e := New(reg, WithDeadline(20*time.Millisecond))

	wf := schema.NewWorkflow("wf-deadline", "deadline")
	require.NoError(t, wf.AddTask(&schema.Task{ID: "t1", Kind: schema.KindTool, Action: "slow"}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t2", Kind: schema.KindTool, Action: "echo", DependsOn: []string{"t1"}}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)

	// The in-flight task finished, but nothing new dispatched.
	assert.Equal(t, schema.TaskStatusCompleted, res.Tasks["t1"])
	assert.Equal(t, schema.TaskStatusSkipped, res.Tasks["t2"])
	assert.Equal(t, schema.WorkflowStatusFailed, res.Status)
	require.NotNil(t, res.ErrorSummary)
	assert.Equal(t, schema.ErrCodeWorkflowTimeout, res.ErrorSummary.LatestError.Code)
}

func TestRun_SkippedDoesNotSatisfyAnyJoin(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{"echo": echoTool})
	e := New(reg)

	wf := schema.NewWorkflow("wf-anyjoin", "anyjoin")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "a", Kind: schema.KindTool, Action: "echo", Condition: "false"}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "b", Kind: schema.KindTool, Action: "echo", Condition: "false"}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "join", Kind: schema.KindTool, Action: "echo",
		DependsOn: []string{"a", "b"},
		Join:      &schema.JoinSpec{Type: schema.JoinAny},
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusSkipped, res.Tasks["a"])
	assert.Equal(t, schema.TaskStatusSkipped, res.Tasks["b"])
	assert.Equal(t, schema.TaskStatusSkipped, res.Tasks["join"])
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
}

func TestRunConcurrent_JoinAllWaitsForBothParallelTasks(t *testing.T) {
	rec := &orderRecorder{}
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"fast": func(ctx context.Context, input map[string]any) (any, error) {
			time.Sleep(5 * time.Millisecond)
			rec.add("fast")
			return "fast", nil
		},
		"slow": func(ctx context.Context, input map[string]any) (any, error) {
			time.Sleep(30 * time.Millisecond)
			rec.add("slow")
			return "slow", nil
		},
		"join": func(ctx context.Context, input map[string]any) (any, error) {
			rec.add("join")
			return "joined", nil
		},
	})
	e := New(reg, WithConcurrency(4))

	wf := schema.NewWorkflow("wf-joinall", "joinall")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "p1", Kind: schema.KindTool, Action: "fast", Parallel: true}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "p2", Kind: schema.KindTool, Action: "slow", Parallel: true}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "after", Kind: schema.KindTool, Action: "join",
		DependsOn: []string{"p1", "p2"},
	}))

	res, err := e.RunConcurrent(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)

	order := rec.list()
	require.Len(t, order, 3)
	assert.Equal(t, "join", order[2])
}

func TestRunConcurrent_CountJoinDispatchesAtTwoOfThree(t *testing.T) {
	rec := &orderRecorder{}
	sleeper := func(id string, d time.Duration) strategy.ToolFunc {
		return func(ctx context.Context, input map[string]any) (any, error) {
			time.Sleep(d)
			rec.add(id)
			return id, nil
		}
	}
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"p1":   sleeper("p1", 5*time.Millisecond),
		"p2":   sleeper("p2", 10*time.Millisecond),
		"p3":   sleeper("p3", 120*time.Millisecond),
		"join": sleeper("join", 0),
	})
	e := New(reg, WithConcurrency(4))

	wf := schema.NewWorkflow("wf-count", "count")
	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, wf.AddTask(&schema.Task{
			ID: id, Kind: schema.KindTool, Action: id, Parallel: true}))
	}
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "after", Kind: schema.KindTool, Action: "join",
		DependsOn: []string{"p1", "p2", "p3"},
		Join:      &schema.JoinSpec{Type: schema.JoinCount, Count: 2},
	}))

	res, err := e.RunConcurrent(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	for _, id := range []string{"p1", "p2", "p3", "after"} {
		assert.Equal(t, schema.TaskStatusCompleted, res.Tasks[id], id)
	}

	// The join successor ran before the slow third task finished.
	assert.Less(t, rec.indexOf("join"), rec.indexOf("p3"))
}

func TestRunConcurrent_RetryOfParallelTask(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"flaky": func(ctx context.Context, input map[string]any) (any, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return nil, errors.New("temporary failure")
			}
			return "recovered", nil
		},
	})
	e := New(reg, WithConcurrency(2))

	wf := schema.NewWorkflow("wf-pretry", "pretry")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "flaky", Kind: schema.KindTool, Action: "flaky", Parallel: true,
		Retry: &schema.RetryPolicy{MaxRetries: 2, Delay: "1ms"},
	}))

	res, err := e.RunConcurrent(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Equal(t, "recovered", res.Outputs["flaky"].Result)
	require.NotNil(t, res.Pool)
	assert.Equal(t, int64(2), res.Pool.Dispatched)
}

func TestRunConcurrent_MixedSerialAndParallel(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{"echo": echoTool})
	e := New(reg, WithConcurrency(2))

	wf := schema.NewWorkflow("wf-mixed", "mixed")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "seed", Kind: schema.KindTool, Action: "echo",
		Input: map[string]any{"v": 1}}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "p1", Kind: schema.KindTool, Action: "echo", Parallel: true,
		Input: map[string]any{"from": "${seed.result.v}"}}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "p2", Kind: schema.KindTool, Action: "echo", Parallel: true,
		Input: map[string]any{"from": "${seed.result.v}"}}))
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "final", Kind: schema.KindTool, Action: "echo",
		Input: map[string]any{"a": "${p1.result.from}", "b": "${p2.result.from}"}}))

	res, err := e.RunConcurrent(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)

	finalResult := res.Outputs["final"].Result.(map[string]any)
	assert.Equal(t, 1, finalResult["a"])
	assert.Equal(t, 1, finalResult["b"])
}

func TestRun_TaskTimeoutProducesStandardFailure(t *testing.T) {
	reg := testRegistry(t, map[string]strategy.ToolFunc{
		"sleepy": func(ctx context.Context, input map[string]any) (any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	e := New(reg)

	wf := schema.NewWorkflow("wf-timeout", "timeout")
	require.NoError(t, wf.AddTask(&schema.Task{
		ID: "t1", Kind: schema.KindTool, Action: "sleepy",
		Timeout: 10 * time.Millisecond,
	}))

	res, err := e.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, res.Tasks["t1"])
	assert.Equal(t, schema.ErrCodeTaskTimeout, res.Outputs["t1"].ErrorCode)
}
