package events

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// AllocationAppliedData summarises one pool tick
type AllocationAppliedData struct {
	PoolID     string             `json:"pool_id"`
	Reason     string             `json:"reason,omitempty"`
	Shares     map[string]float64 `json:"shares,omitempty"`
	Actions    map[string]string  `json:"actions,omitempty"`
	Skipped    bool               `json:"skipped"`
	Created    int                `json:"created"`
	Duplicates int                `json:"duplicates"`
	Cancelled  int                `json:"cancelled"`
}

// EventType returns the event type for AllocationAppliedData
func (d *AllocationAppliedData) EventType() EventType {
	return AllocationApplied
}

// Pool returns the pool ID
func (d *AllocationAppliedData) Pool() string {
	return d.PoolID
}

// PoolStatusData reports a pool's ticker being paused or resumed
type PoolStatusData struct {
	PoolID string `json:"pool_id"`
	Paused bool   `json:"paused"`
}

// EventType returns the event type for PoolStatusData
func (d *PoolStatusData) EventType() EventType {
	return PoolStatusChanged
}

// Pool returns the pool ID
func (d *PoolStatusData) Pool() string {
	return d.PoolID
}

// ChangeData describes one pending-change transition
type ChangeData struct {
	EffectiveValue *float64  `json:"effective_value,omitempty"`
	ChangeID       string    `json:"change_id"`
	PoolID         string    `json:"pool_id"`
	VariantID      string    `json:"variant_id"`
	ChangeType     string    `json:"change_type"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Reason         string    `json:"reason,omitempty"`
	Type           EventType `json:"-"`
}

// EventType returns the event type carried by the transition
func (d *ChangeData) EventType() EventType {
	return d.Type
}

// Pool returns the pool ID
func (d *ChangeData) Pool() string {
	return d.PoolID
}

// FeedbackRejectedData reports a feedback event that failed validation
type FeedbackRejectedData struct {
	VariantID      string `json:"variant_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Error          string `json:"error"`
}

// EventType returns the event type for FeedbackRejectedData
func (d *FeedbackRejectedData) EventType() EventType {
	return FeedbackRejected
}

// JobData reports progress or the outcome of a background work item
type JobData struct {
	WorkID     string    `json:"work_id"`
	WorkType   string    `json:"work_type"`
	Subject    string    `json:"subject,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	Type       EventType `json:"-"`
}

// EventType returns the event type carried by the job update
func (d *JobData) EventType() EventType {
	return d.Type
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Context map[string]interface{} `json:"context,omitempty"`
	Error   string                 `json:"error"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
