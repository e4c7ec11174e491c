package work

import (
	"context"
	"strings"
	"time"
)

// WorkTimeout is the maximum duration a work item can run before being cancelled.
const WorkTimeout = 5 * time.Minute

// MaxRetries is the maximum number of times a failed work item will be retried.
const MaxRetries = 10

// RetryDelay is the minimum wait before a failed item runs again.
const RetryDelay = 30 * time.Second

// Priority defines the execution priority of work types.
type Priority int

const (
	// PriorityLow is for housekeeping (pruning, checkpoints).
	PriorityLow Priority = iota
	// PriorityMedium is for export work.
	PriorityMedium
	// PriorityHigh is for queue health.
	PriorityHigh
	// PriorityCritical is for work that unblocks execution.
	PriorityCritical
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// WorkType defines a type of work that can be executed.
// Work types are registered once and can generate multiple work items.
type WorkType struct {
	// ID is the unique identifier for this work type (e.g., "queue:reclaim").
	ID string

	// DependsOn lists work type IDs that must complete before this work can run.
	// Dependencies are scoped to the same subject.
	DependsOn []string

	// Interval is the minimum time between runs (0 = on-demand only).
	Interval time.Duration

	// Priority determines execution order when multiple work items are eligible.
	Priority Priority

	// Enabled gates the work type as a whole. Nil means always enabled.
	Enabled func() bool

	// FindSubjects returns the subjects that need this work.
	// Nil FindSubjects means one global item with an empty subject.
	FindSubjects func() []string

	// Execute performs the work for a given subject.
	Execute func(ctx context.Context, subject string, progress *ProgressReporter) error
}

// isEnabled reports whether the work type may run at all
func (wt *WorkType) isEnabled() bool {
	return wt.Enabled == nil || wt.Enabled()
}

// subjects returns the subjects to consider for this work type
func (wt *WorkType) subjects() []string {
	if wt.FindSubjects == nil {
		return []string{""}
	}
	return wt.FindSubjects()
}

// WorkItem represents a specific unit of work to be executed.
type WorkItem struct {
	// CreatedAt is when this work item was created.
	CreatedAt time.Time

	// NotBefore delays a retried item.
	NotBefore time.Time

	// ID is the full work ID including subject (e.g., "maintenance:wal:core").
	ID string

	// TypeID is the work type ID (e.g., "maintenance:wal").
	TypeID string

	// Subject is empty for global work.
	Subject string

	// Retries is the number of times this item has been retried.
	Retries int
}

// NewWorkItem creates a new work item from a work type and subject.
func NewWorkItem(workType *WorkType, subject string) *WorkItem {
	return &WorkItem{
		ID:        makeKey(workType.ID, subject),
		TypeID:    workType.ID,
		Subject:   subject,
		CreatedAt: time.Now(),
	}
}

// ParseWorkID extracts the work type ID and subject from a full work ID.
// "maintenance:wal:core" returns ("maintenance:wal", "core");
// "queue:reclaim" returns ("queue:reclaim", "").
func ParseWorkID(id string) (typeID string, subject string) {
	parts := strings.Split(id, ":")
	if len(parts) <= 2 {
		return id, ""
	}
	return strings.Join(parts[:len(parts)-1], ":"), parts[len(parts)-1]
}

// makeKey creates a unique key for a work type and subject combination.
func makeKey(typeID, subject string) string {
	if subject == "" {
		return typeID
	}
	return typeID + ":" + subject
}
