// Package domain provides core domain models and types.
package domain

import "time"

// VariantStatus is the lifecycle state of an ad variant
type VariantStatus string

const (
	VariantActive VariantStatus = "ACTIVE"
	VariantPaused VariantStatus = "PAUSED"
	// VariantKilled is terminal
	VariantKilled VariantStatus = "KILLED"
)

// CanTransition reports whether a variant may move from one status to another.
// ACTIVE and PAUSED swap freely, both may be killed, and KILLED is final.
func CanTransition(from, to VariantStatus) bool {
	switch from {
	case VariantActive:
		return to == VariantPaused || to == VariantKilled
	case VariantPaused:
		return to == VariantActive || to == VariantKilled
	default:
		return false
	}
}

// Variant is one creative competing for budget inside a pool
type Variant struct {
	CreatedAt       time.Time     `json:"created_at"`
	ArchivedAt      *time.Time    `json:"archived_at,omitempty"`
	LastScore       *float64      `json:"last_score,omitempty"`
	ID              string        `json:"id"`
	PoolID          string        `json:"pool_id"`
	ExternalAdID    string        `json:"external_ad_id"`
	Status          VariantStatus `json:"status"`
	LastAction      string        `json:"last_action,omitempty"`
	Impressions     int64         `json:"impressions"`
	Clicks          int64         `json:"clicks"`
	RevenueEvents   int64         `json:"revenue_events"`
	Spend           float64       `json:"spend"`
	Revenue         float64       `json:"revenue"`
	CurrentBudget   float64       `json:"current_budget"`
	CurrentSharePct float64       `json:"current_share_pct"`
	LowStreak       int           `json:"low_streak"`
	HighStreak      int           `json:"high_streak"`
}

// AgeHours is the time since the variant went live, in hours
func (v *Variant) AgeHours(now time.Time) float64 {
	age := now.Sub(v.CreatedAt).Hours()
	if age < 0 {
		return 0
	}
	return age
}

// CTR is clicks over impressions, ok=false without impressions
func (v *Variant) CTR() (float64, bool) {
	if v.Impressions <= 0 {
		return 0, false
	}
	return float64(v.Clicks) / float64(v.Impressions), true
}

// ROAS is revenue over spend. It is undefined with zero spend or when no
// attributed-revenue event has ever arrived for the variant.
func (v *Variant) ROAS() (float64, bool) {
	if v.Spend <= 0 || v.RevenueEvents == 0 {
		return 0, false
	}
	return v.Revenue / v.Spend, true
}

// IsLive reports whether the variant takes part in allocation
func (v *Variant) IsLive() bool {
	return v.Status != VariantKilled && v.ArchivedAt == nil
}

// BudgetPool is a fixed budget shared by a set of variants
type BudgetPool struct {
	CreatedAt   time.Time  `json:"created_at"`
	LastTickAt  *time.Time `json:"last_tick_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	FloorPct    *float64   `json:"floor_pct,omitempty"` // overrides the allocator default
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CampaignID  string     `json:"campaign_id"`
	Currency    string     `json:"currency"`
	TotalBudget float64    `json:"total_budget"`
	TickPaused  bool       `json:"tick_paused"`
}

// FeedbackEventType is the kind of performance signal being reported
type FeedbackEventType string

const (
	EventImpression        FeedbackEventType = "impression"
	EventClick             FeedbackEventType = "click"
	EventSpend             FeedbackEventType = "spend"
	EventAttributedRevenue FeedbackEventType = "attributed_revenue"
)

// IsCount reports whether the event carries a whole-number count
func (t FeedbackEventType) IsCount() bool {
	return t == EventImpression || t == EventClick
}

// Valid reports whether t is a known event type
func (t FeedbackEventType) Valid() bool {
	switch t {
	case EventImpression, EventClick, EventSpend, EventAttributedRevenue:
		return true
	}
	return false
}

// FeedbackEvent is one inbound performance signal
type FeedbackEvent struct {
	Timestamp      time.Time         `json:"timestamp"`
	VariantID      string            `json:"variantId"`
	EventType      FeedbackEventType `json:"eventType"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Value          float64           `json:"value"`
}
