package domain

import "github.com/google/uuid"

// RunResult is what a caller gets back from one executor invocation.
type RunResult struct {
	RunID     uuid.UUID      `json:"run_id"`
	Success   bool           `json:"success"`
	Reason    CompleteReason `json:"reason"`
	Response  string         `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
	MessageID *uuid.UUID     `json:"message_id,omitempty"`
	Turns     int            `json:"turns"`
}
