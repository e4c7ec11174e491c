package testing

import (
	"testing"
	"time"

	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/domain"
)

// FixtureNow is the reference clock used by fixtures
var FixtureNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// NewPoolFixture returns a $1000 USD pool
func NewPoolFixture(id string) *domain.BudgetPool {
	return &domain.BudgetPool{
		ID:          id,
		Name:        "pool " + id,
		CampaignID:  "camp-" + id,
		TotalBudget: 1000,
		Currency:    "USD",
		CreatedAt:   FixtureNow.Add(-7 * 24 * time.Hour),
	}
}

// NewVariantFixture returns an ACTIVE variant created ageHours before FixtureNow
func NewVariantFixture(id, poolID string, ageHours float64) *domain.Variant {
	return &domain.Variant{
		ID:           id,
		PoolID:       poolID,
		ExternalAdID: "ad-" + id,
		Status:       domain.VariantActive,
		CreatedAt:    FixtureNow.Add(-time.Duration(ageHours * float64(time.Hour))),
	}
}

// InsertPool writes a pool row directly, bypassing repositories
func InsertPool(t *testing.T, db *database.DB, p *domain.BudgetPool) {
	t.Helper()

	var floor interface{}
	if p.FloorPct != nil {
		floor = *p.FloorPct
	}
	_, err := db.Conn().Exec(`INSERT INTO pools
		(id, name, campaign_id, total_budget, currency, floor_pct, tick_paused, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.CampaignID, p.TotalBudget, p.Currency, floor, p.TickPaused,
		database.ToMillis(p.CreatedAt))
	if err != nil {
		t.Fatalf("Failed to insert pool %s: %v", p.ID, err)
	}
}

// InsertVariant writes a variant row with its counters, plus the initial budget
// history entry at creation time
func InsertVariant(t *testing.T, db *database.DB, v *domain.Variant) {
	t.Helper()

	_, err := db.Conn().Exec(`INSERT INTO variants
		(id, pool_id, external_ad_id, status, impressions, clicks, spend, revenue, revenue_events,
		 current_budget, current_share_pct, low_streak, high_streak, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PoolID, v.ExternalAdID, string(v.Status), v.Impressions, v.Clicks, v.Spend,
		v.Revenue, v.RevenueEvents, v.CurrentBudget, v.CurrentSharePct, v.LowStreak, v.HighStreak,
		database.ToMillis(v.CreatedAt))
	if err != nil {
		t.Fatalf("Failed to insert variant %s: %v", v.ID, err)
	}

	_, err = db.Conn().Exec(`INSERT INTO budget_history (variant_id, budget, effective_at) VALUES (?, ?, ?)`,
		v.ID, v.CurrentBudget, database.ToMillis(v.CreatedAt))
	if err != nil {
		t.Fatalf("Failed to insert budget history for %s: %v", v.ID, err)
	}
}
