package strategy

import (
	"context"
	"fmt"

	"github.com/tasklace/tasklace/pkg/schema"
)

// RetrievalOptions asks the model backend to ground its reply on an
// external corpus. Nil means no retrieval.
type RetrievalOptions struct {
	Corpus string `json:"corpus,omitempty"`
	TopK   int    `json:"top_k,omitempty"`
}

// ModelReply is what a model backend returns for one invocation.
type ModelReply struct {
	Text      string         `json:"text"`
	Citations []string       `json:"citations,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
}

// ModelInvoker abstracts the model backend.
type ModelInvoker interface {
	Invoke(ctx context.Context, prompt string, params map[string]any, retrieval *RetrievalOptions) (*ModelReply, error)
}

// ModelStrategy executes model-kind tasks. The resolved input's "prompt"
// key becomes the prompt; "params" and "retrieval" configure the call.
type ModelStrategy struct {
	invoker ModelInvoker
}

// NewModelStrategy creates a model strategy over the given backend.
func NewModelStrategy(invoker ModelInvoker) *ModelStrategy {
	return &ModelStrategy{invoker: invoker}
}

func (s *ModelStrategy) Kind() schema.TaskKind { return schema.KindModel }

func (s *ModelStrategy) Execute(ctx context.Context, task *schema.Task, input map[string]any) (*schema.TaskOutput, error) {
	if s.invoker == nil {
		return nil, schema.NewError(schema.ErrCodeCapabilityNotFound, "no model backend configured").WithTask(task.ID)
	}

	prompt, ok := input["prompt"].(string)
	if !ok || prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "model task input has no prompt").WithTask(task.ID)
	}

	params, _ := input["params"].(map[string]any)
	retrieval := parseRetrieval(input["retrieval"])

	reply, err := s.invoker.Invoke(ctx, prompt, params, retrieval)
	if err != nil {
		return schema.FailureFromError(err), nil
	}

	out := schema.SuccessOutput(reply.Text)
	meta := map[string]any{}
	if len(reply.Citations) > 0 {
		meta["citations"] = reply.Citations
	}
	if reply.Usage != nil {
		meta["usage"] = reply.Usage
	}
	if len(meta) > 0 {
		out.Metadata = meta
	}
	return out, nil
}

func parseRetrieval(v any) *RetrievalOptions {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	opts := &RetrievalOptions{}
	if corpus, ok := m["corpus"].(string); ok {
		opts.Corpus = corpus
	}
	switch k := m["top_k"].(type) {
	case int:
		opts.TopK = k
	case float64:
		opts.TopK = int(k)
	}
	return opts
}

// ModelFunc adapts a function to the ModelInvoker interface.
type ModelFunc func(ctx context.Context, prompt string, params map[string]any, retrieval *RetrievalOptions) (*ModelReply, error)

func (f ModelFunc) Invoke(ctx context.Context, prompt string, params map[string]any, retrieval *RetrievalOptions) (*ModelReply, error) {
	if f == nil {
		return nil, fmt.Errorf("model function is nil")
	}
	return f(ctx, prompt, params, retrieval)
}
