package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklace/tasklace/internal/engine"
	"github.com/tasklace/tasklace/internal/strategy"
	"github.com/tasklace/tasklace/pkg/schema"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fr := strategy.NewFuncRegistry()
	require.NoError(t, fr.Register("echo", func(_ context.Context, input map[string]any) (any, error) {
		return input, nil
	}))
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(strategy.NewToolStrategy(fr)))

	s, err := NewServer(ServerDeps{Engine: engine.New(reg)})
	require.NoError(t, err)
	return s
}

func callRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// resultJSON decodes the structured content of a tool result.
func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError)
	require.NotNil(t, res.StructuredContent)
	b, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

const validDoc = `{
	"id": "doc-1",
	"name": "greeting",
	"tasks": [
		{"id": "hello", "kind": "tool", "action": "echo",
		 "input": {"msg": "hi ${workflow.who}"}}
	],
	"variables": {"who": "world"}
}`

func TestToolRegistration(t *testing.T) {
	s := newTestServer(t)

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 2)

	for _, name := range []string{"workflow.run", "workflow.validate"} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestHandleValidate(t *testing.T) {
	s := newTestServer(t)

	t.Run("valid document", func(t *testing.T) {
		res, err := s.handleValidate(context.Background(), callRequest("workflow.validate",
			map[string]any{"document": validDoc}))
		require.NoError(t, err)

		out := resultJSON(t, res)
		assert.Equal(t, true, out["valid"])
		assert.Equal(t, "greeting", out["name"])
		assert.Equal(t, []any{"hello"}, out["tasks"])
	})

	t.Run("schema violation reported structurally", func(t *testing.T) {
		res, err := s.handleValidate(context.Background(), callRequest("workflow.validate",
			map[string]any{"document": `{"name": "x", "tasks": []}`}))
		require.NoError(t, err)

		out := resultJSON(t, res)
		assert.Equal(t, false, out["valid"])
		assert.Equal(t, schema.ErrCodeValidation, out["error_code"])
	})

	t.Run("missing document argument", func(t *testing.T) {
		res, err := s.handleValidate(context.Background(), callRequest("workflow.validate", nil))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestHandleRun(t *testing.T) {
	s := newTestServer(t)

	t.Run("runs and returns result", func(t *testing.T) {
		res, err := s.handleRun(context.Background(), callRequest("workflow.run",
			map[string]any{
				"document": validDoc,
				"input":    map[string]any{"who": "agent"},
			}))
		require.NoError(t, err)

		out := resultJSON(t, res)
		assert.Equal(t, "completed", out["status"])
		assert.NotEmpty(t, out["run_id"])

		outputs := out["outputs"].(map[string]any)
		hello := outputs["hello"].(map[string]any)
		result := hello["result"].(map[string]any)
		assert.Equal(t, "hi agent", result["msg"])
	})

	t.Run("concurrent flag", func(t *testing.T) {
		res, err := s.handleRun(context.Background(), callRequest("workflow.run",
			map[string]any{"document": validDoc, "concurrent": true}))
		require.NoError(t, err)

		out := resultJSON(t, res)
		assert.Equal(t, "completed", out["status"])
	})

	t.Run("invalid document is a tool error", func(t *testing.T) {
		res, err := s.handleRun(context.Background(), callRequest("workflow.run",
			map[string]any{"document": "not json"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}
