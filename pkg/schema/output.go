package schema

import (
	"errors"
	"fmt"
)

// Output status values.
const (
	OutputStatusSuccess = "success"
	OutputStatusError   = "error"
	OutputStatusWarning = "warning"
)

// TaskOutput is the standardized result shape every strategy produces.
// Result and Response alias the same payload; success and error fields are
// mutually exclusive.
type TaskOutput struct {
	Success      bool           `json:"success"`
	Status       string         `json:"status"`
	Result       any            `json:"result,omitempty"`
	Response     any            `json:"response,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SuccessOutput builds a successful output with the given payload.
func SuccessOutput(payload any) *TaskOutput {
	return &TaskOutput{
		Success:  true,
		Status:   OutputStatusSuccess,
		Result:   payload,
		Response: payload,
	}
}

// FailureOutput builds a failed output with the given code and message.
func FailureOutput(code, message string, details map[string]any) *TaskOutput {
	return &TaskOutput{
		Success:      false,
		Status:       OutputStatusError,
		Error:        message,
		ErrorCode:    code,
		ErrorDetails: details,
	}
}

// FailureFromError converts any error into a failed output. FlowErrors keep
// their code and details; plain errors get STRATEGY_EXECUTION_ERROR.
func FailureFromError(err error) *TaskOutput {
	var fe *FlowError
	if errors.As(err, &fe) {
		return FailureOutput(fe.Code, fe.Message, fe.Details)
	}
	return FailureOutput(ErrCodeStrategyExecution, err.Error(), nil)
}

// Payload returns the success payload, preferring Result over Response.
func (o *TaskOutput) Payload() any {
	if o.Result != nil {
		return o.Result
	}
	return o.Response
}

// SetPayload rewrites the success payload, keeping the Result/Response alias.
func (o *TaskOutput) SetPayload(v any) {
	o.Result = v
	o.Response = v
}

// AsMap renders the output as a map for the resolver and condition evaluator.
// Result and Response are both present and equal.
func (o *TaskOutput) AsMap() map[string]any {
	m := map[string]any{
		"success": o.Success,
		"status":  o.Status,
	}
	if o.Success {
		payload := o.Payload()
		m["result"] = payload
		m["response"] = payload
	} else {
		m["error"] = o.Error
		m["error_code"] = o.ErrorCode
		if o.ErrorDetails != nil {
			m["error_details"] = o.ErrorDetails
		}
	}
	if o.Metadata != nil {
		m["metadata"] = o.Metadata
	}
	return m
}

// Normalize coerces an arbitrary strategy or tool return value into the
// standardized shape. Maps carrying a boolean "success" key are interpreted
// as an already-shaped result; anything else becomes the payload of a
// successful output.
func Normalize(v any) *TaskOutput {
	switch val := v.(type) {
	case nil:
		return SuccessOutput(nil)
	case *TaskOutput:
		if val == nil {
			return SuccessOutput(nil)
		}
		normalizeAliases(val)
		return val
	case TaskOutput:
		normalizeAliases(&val)
		return &val
	case map[string]any:
		if success, ok := val["success"].(bool); ok {
			return normalizeShaped(success, val)
		}
		return SuccessOutput(val)
	default:
		return SuccessOutput(v)
	}
}

// normalizeShaped builds a TaskOutput from a map that declared success.
func normalizeShaped(success bool, m map[string]any) *TaskOutput {
	out := &TaskOutput{Success: success}

	if s, ok := m["status"].(string); ok && s != "" {
		out.Status = s
	} else if success {
		out.Status = OutputStatusSuccess
	} else {
		out.Status = OutputStatusError
	}

	if success {
		payload, ok := m["result"]
		if !ok {
			payload = m["response"]
		}
		out.SetPayload(payload)
	} else {
		if msg, ok := m["error"].(string); ok {
			out.Error = msg
		}
		if code, ok := m["error_code"].(string); ok {
			out.ErrorCode = code
		}
		if details, ok := m["error_details"].(map[string]any); ok {
			out.ErrorDetails = details
		}
		if out.Error == "" {
			out.Error = fmt.Sprintf("task reported failure (status %s)", out.Status)
		}
	}

	if meta, ok := m["metadata"].(map[string]any); ok {
		out.Metadata = meta
	}
	return out
}

// normalizeAliases enforces the Result/Response alias and the
// success/error exclusivity invariant on a caller-built output.
func normalizeAliases(o *TaskOutput) {
	if o.Status == "" {
		if o.Success {
			o.Status = OutputStatusSuccess
		} else {
			o.Status = OutputStatusError
		}
	}
	if o.Success {
		o.SetPayload(o.Payload())
		o.Error = ""
		o.ErrorCode = ""
		o.ErrorDetails = nil
	} else {
		o.Result = nil
		o.Response = nil
	}
}
