package domain

// JobStatus is the persisted lifecycle state of a job
type JobStatus string

// Job status constants
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is expected
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s.IsTerminal()
}

// Messages recorded as error_message by the engine itself
const (
	MsgStaleTimeout        = "job timeout - cleaned up automatically"
	MsgCancelledByUser     = "cancelled by user"
	MsgCancelledBeforeRun  = "cancelled before start"
	MsgCancelledOnShutdown = "cancelled on shutdown"
)
