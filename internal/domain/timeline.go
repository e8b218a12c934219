package domain

// Execution timeline event types
const (
	EventTypeExecutionStarted   = "EXECUTION_STARTED"
	EventTypeExecutionCompleted = "EXECUTION_COMPLETED"
	EventTypeExecutionCancelled = "EXECUTION_CANCELLED"
	EventTypeExecutionFailed    = "EXECUTION_FAILED"
)

// Connection timeline event types
const (
	EventTypeConnectionCreated = "CONNECTION_CREATED"
	EventTypeConnectionDeleted = "CONNECTION_DELETED"
)

const (
	ResourceTypeExecution  = "execution"
	ResourceTypeConnection = "connection"
)

// Maintenance timeline event types
const (
	EventTypeHistoryPruned = "HISTORY_PRUNED"
)
