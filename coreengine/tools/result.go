package tools

import (
	"fmt"
	"strings"
)

// Status represents the status of a tool execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorDetails is the standardized error structure for tool failures.
type ErrorDetails struct {
	ErrorType   string         `json:"error_type"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Recoverable bool           `json:"recoverable"`
}

// StandardResult is a tool result in one shape regardless of how the tool
// reported it.
type StandardResult struct {
	Status  Status         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
	Error   *ErrorDetails  `json:"error,omitempty"`
	Message *string        `json:"message,omitempty"`
}

// ToolError is a result the tool itself marked as failed.
type ToolError struct {
	Tool    string
	Details *ErrorDetails
}

func (e *ToolError) Error() string {
	if e.Details == nil {
		return fmt.Sprintf("tool %s reported an error", e.Tool)
	}
	return fmt.Sprintf("tool %s reported %s: %s", e.Tool, e.Details.ErrorType, e.Details.Message)
}

// NormalizeResult converts a loose tool result map to a StandardResult.
//
// "status" values success/completed/ok and error/failed/failure are
// recognized. Without a usable status, the presence of "error" decides.
// A nested "data" object becomes the payload.
func NormalizeResult(raw map[string]any) (*StandardResult, error) {
	if raw == nil {
		return &StandardResult{Status: StatusSuccess, Data: map[string]any{}}, nil
	}

	_, hasError := raw["error"]
	status := StatusSuccess
	if hasError {
		status = StatusError
	}
	if s, ok := raw["status"]; ok {
		switch strings.ToLower(fmt.Sprintf("%v", s)) {
		case "success", "completed", "ok":
			status = StatusSuccess
		case "error", "failed", "failure":
			status = StatusError
		}
	}

	var message *string
	if msg, ok := raw["message"].(string); ok {
		message = &msg
	}

	if status == StatusSuccess {
		data := raw
		if d, ok := raw["data"].(map[string]any); ok {
			data = d
		}
		return &StandardResult{Status: status, Data: data, Message: message}, nil
	}

	return &StandardResult{Status: status, Error: errorDetails(raw), Message: message}, nil
}

func errorDetails(raw map[string]any) *ErrorDetails {
	details := &ErrorDetails{ErrorType: "ToolError"}
	if t, ok := raw["error_type"].(string); ok {
		details.ErrorType = t
	}

	switch e := raw["error"].(type) {
	case string:
		details.Message = e
	case map[string]any:
		details.Details = e
		if t, ok := e["type"].(string); ok {
			details.ErrorType = t
		}
		if m, ok := e["message"].(string); ok {
			details.Message = m
		}
	case nil:
	default:
		details.Message = fmt.Sprintf("%v", e)
	}
	if details.Message == "" {
		if m, ok := raw["message"].(string); ok {
			details.Message = m
		} else {
			details.Message = "Unknown error"
		}
	}
	if r, ok := raw["recoverable"].(bool); ok {
		details.Recoverable = r
	}
	return details
}
