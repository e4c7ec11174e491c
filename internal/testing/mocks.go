package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/adpilot/internal/domain"
)

// PlatformCall records one call made against MockPlatform
type PlatformCall struct {
	Method       string
	ExternalAdID string
	Amount       float64
	Currency     string
	ClientToken  string
}

// MockPlatform is an in-memory AdPlatform. Errors queued with FailNext are
// returned by subsequent calls in order before calls start succeeding.
type MockPlatform struct {
	mu      sync.Mutex
	calls   []PlatformCall
	errs    []error
	budgets map[string]float64
	paused  map[string]bool
}

// NewMockPlatform creates an empty mock platform
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		budgets: make(map[string]float64),
		paused:  make(map[string]bool),
	}
}

// FailNext queues errors for the next calls
func (m *MockPlatform) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// Calls returns a copy of all recorded calls
func (m *MockPlatform) Calls() []PlatformCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlatformCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Budget returns the last budget set for an ad
func (m *MockPlatform) Budget(externalAdID string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[externalAdID]
	return b, ok
}

// Paused reports whether an ad is paused
func (m *MockPlatform) Paused(externalAdID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[externalAdID]
}

// SetBudget records a budget change
func (m *MockPlatform) SetBudget(ctx context.Context, externalAdID string, amount float64, currency, clientToken string) (*domain.PlatformResult, error) {
	return m.record(ctx, PlatformCall{Method: "SetBudget", ExternalAdID: externalAdID, Amount: amount, Currency: currency, ClientToken: clientToken}, func() {
		m.budgets[externalAdID] = amount
	})
}

// Pause records a pause
func (m *MockPlatform) Pause(ctx context.Context, externalAdID, clientToken string) (*domain.PlatformResult, error) {
	return m.record(ctx, PlatformCall{Method: "Pause", ExternalAdID: externalAdID, ClientToken: clientToken}, func() {
		m.paused[externalAdID] = true
	})
}

// Resume records a resume
func (m *MockPlatform) Resume(ctx context.Context, externalAdID, clientToken string) (*domain.PlatformResult, error) {
	return m.record(ctx, PlatformCall{Method: "Resume", ExternalAdID: externalAdID, ClientToken: clientToken}, func() {
		m.paused[externalAdID] = false
	})
}

func (m *MockPlatform) record(ctx context.Context, call PlatformCall, apply func()) (*domain.PlatformResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}

	apply()
	return &domain.PlatformResult{
		PlatformChangeID: fmt.Sprintf("mock-%d", len(m.calls)),
		Request:          []byte(fmt.Sprintf(`{"method":%q,"ad":%q,"amount":%g}`, call.Method, call.ExternalAdID, call.Amount)),
		Response:         []byte(`{"ok":true}`),
	}, nil
}

// MemoryAuditLog is an AuditAppender keeping records in memory
type MemoryAuditLog struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

// Append stores rec
func (m *MemoryAuditLog) Append(_ context.Context, rec domain.AuditRecord) (*domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Position = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return &rec, nil
}

// ForChange returns the records of one change in append order
func (m *MemoryAuditLog) ForChange(changeID string) []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditRecord
	for _, r := range m.records {
		if r.ChangeID == changeID {
			out = append(out, r)
		}
	}
	return out
}
