// Package events provides in-process event publication for allocation and
// execution activity.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// Allocation
	AllocationApplied EventType = "ALLOCATION_APPLIED"
	PoolStatusChanged EventType = "POOL_STATUS_CHANGED"

	// Execution
	ChangeCompleted EventType = "CHANGE_COMPLETED"
	ChangeFailed    EventType = "CHANGE_FAILED"
	ChangeCancelled EventType = "CHANGE_CANCELLED"
	ChangeRequeued  EventType = "CHANGE_REQUEUED"

	// Feedback
	FeedbackRejected EventType = "FEEDBACK_REJECTED"

	// Background work
	JobProgress  EventType = "JOB_PROGRESS"
	JobCompleted EventType = "JOB_COMPLETED"
	JobFailed    EventType = "JOB_FAILED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// AllTypes lists every event type, for subscribers that want everything
var AllTypes = []EventType{
	AllocationApplied,
	PoolStatusChanged,
	ChangeCompleted,
	ChangeFailed,
	ChangeCancelled,
	ChangeRequeued,
	FeedbackRejected,
	JobProgress,
	JobCompleted,
	JobFailed,
	ErrorOccurred,
}

// Event is one published event
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
	Type      EventType `json:"type"`
	Module    string    `json:"module"`
}

// PoolID returns the pool an event concerns, or "" if none
func (e *Event) PoolID() string {
	if p, ok := e.Data.(interface{ Pool() string }); ok {
		return p.Pool()
	}
	return ""
}
