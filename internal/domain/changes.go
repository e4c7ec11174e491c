package domain

import "time"

// ChangeType is the kind of platform mutation a pending change carries
type ChangeType string

const (
	ChangeBudgetSet ChangeType = "BUDGET_SET"
	ChangePause     ChangeType = "PAUSE"
	ChangeResume    ChangeType = "RESUME"
	// ChangeKill pauses the ad on the platform and marks the variant KILLED locally
	ChangeKill ChangeType = "KILL"
)

// Valid reports whether t is a known change type
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeBudgetSet, ChangePause, ChangeResume, ChangeKill:
		return true
	}
	return false
}

// ChangeState is the executor state of a pending change
type ChangeState string

const (
	StatePending   ChangeState = "PENDING"
	StateClaimed   ChangeState = "CLAIMED"
	StateExecuting ChangeState = "EXECUTING"
	StateCompleted ChangeState = "COMPLETED"
	StateFailed    ChangeState = "FAILED"
	StateCancelled ChangeState = "CANCELLED"
)

// Terminal reports whether no further transition is possible
func (s ChangeState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Change sources
const (
	SourceAllocator = "allocator"
	SourceOperator  = "operator"
)

var changeTransitions = map[ChangeState][]ChangeState{
	StatePending:   {StateClaimed, StateCancelled},
	StateClaimed:   {StateExecuting, StatePending, StateCancelled, StateFailed},
	StateExecuting: {StateCompleted, StateFailed},
}

// CanTransitionChange reports whether the change state machine allows from -> to.
// CLAIMED -> FAILED covers changes whose claim went stale too many times.
func CanTransitionChange(from, to ChangeState) bool {
	for _, next := range changeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PendingChange is one queued platform mutation. Rows are never deleted.
type PendingChange struct {
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	AvailableAt      time.Time   `json:"available_at"`
	ClaimedAt        *time.Time  `json:"claimed_at,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	ExecutedAt       *time.Time  `json:"executed_at,omitempty"`
	EffectiveValue   *float64    `json:"effective_value,omitempty"`
	ID               string      `json:"id"`
	VariantID        string      `json:"variant_id"`
	PoolID           string      `json:"pool_id"`
	CampaignID       string      `json:"campaign_id"`
	ChangeType       ChangeType  `json:"change_type"`
	Currency         string      `json:"currency"`
	Source           string      `json:"source"`
	State            ChangeState `json:"state"`
	ClaimOwner       string      `json:"claim_owner,omitempty"`
	ClaimedFrom      ChangeState `json:"claimed_from,omitempty"`
	LastError        string      `json:"last_error,omitempty"`
	PlatformChangeID string      `json:"platform_change_id,omitempty"`
	RequestedValue   float64     `json:"requested_value"`
	TickWindow       int64       `json:"tick_window"`
	Attempts         int         `json:"attempts"`
}

// AuditRecord is one immutable entry of a change's history
type AuditRecord struct {
	CreatedAt time.Time   `json:"created_at" msgpack:"created_at"`
	ID        string      `json:"id" msgpack:"id"`
	ChangeID  string      `json:"change_id" msgpack:"change_id"`
	VariantID string      `json:"variant_id" msgpack:"variant_id"`
	PoolID    string      `json:"pool_id" msgpack:"pool_id"`
	FromState ChangeState `json:"from_state" msgpack:"from_state"`
	ToState   ChangeState `json:"to_state" msgpack:"to_state"`
	Note      string      `json:"note,omitempty" msgpack:"note,omitempty"`
	Actor     string      `json:"actor,omitempty" msgpack:"actor,omitempty"`
	Request   []byte      `json:"request,omitempty" msgpack:"request,omitempty"`
	Response  []byte      `json:"response,omitempty" msgpack:"response,omitempty"`
	Error     string      `json:"error,omitempty" msgpack:"error,omitempty"`
	PrevHash  string      `json:"prev_hash" msgpack:"prev_hash"`
	Hash      string      `json:"hash" msgpack:"hash"`
	Position  int64       `json:"position" msgpack:"position"`
	Seq       int         `json:"seq" msgpack:"seq"`
}
