package domain

import "time"

type EventType string

const (
	EventHostStarted        EventType = "host-started"
	EventHostResultUpdated  EventType = "host-result-updated"
	EventExecutionCompleted EventType = "execution-completed"
)

// ExecutionEvent is pushed to subscribers of an execution. Sequence is
// strictly increasing per execution.
type ExecutionEvent struct {
	Type        EventType         `json:"type"`
	ExecutionID string            `json:"execution_id"`
	Sequence    uint64            `json:"sequence"`
	Timestamp   time.Time         `json:"timestamp"`
	Result      *CommandResult    `json:"result,omitempty"`
	Status      ExecutionStatus   `json:"status,omitempty"`
	Execution   *CommandExecution `json:"execution,omitempty"`
}

func (e ExecutionEvent) IsFinal() bool {
	return e.Type == EventExecutionCompleted
}
