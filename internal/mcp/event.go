package mcp

import (
	"time"

	"hypermcp/gateway/internal/scheduler"
)

// Event is the JSON-serializable projection of a scheduler.ExecutionEvent
// streamed to clients over SSE. scheduler.ExecutionEvent.Err is an error
// value and does not marshal meaningfully on its own, so it is flattened
// here to a plain message string alongside its Kind.
type Event struct {
	Kind         string    `json:"kind"`
	WorkflowID   string    `json:"workflowId"`
	Layer        int       `json:"layer,omitempty"`
	TaskID       string    `json:"taskId,omitempty"`
	Output       any       `json:"output,omitempty"`
	ErrKind      string    `json:"errKind,omitempty"`
	ErrMessage   string    `json:"errMessage,omitempty"`
	CheckpointID string    `json:"checkpointId,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// FromExecutionEvent projects a scheduler.ExecutionEvent into its wire
// representation.
func FromExecutionEvent(ev scheduler.ExecutionEvent) Event {
	out := Event{
		Kind:         string(ev.Kind),
		WorkflowID:   ev.WorkflowID,
		Layer:        ev.Layer,
		TaskID:       ev.TaskID,
		Output:       ev.Output,
		ErrKind:      string(ev.ErrKind),
		CheckpointID: ev.CheckpointID,
		Reason:       ev.Reason,
		Timestamp:    ev.Timestamp,
	}
	if ev.Err != nil {
		out.ErrMessage = ev.Err.Error()
	}
	return out
}
