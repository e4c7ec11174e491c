package domain

import "context"

// PlatformResult is the outcome of one successful platform call
type PlatformResult struct {
	// PlatformChangeID is the platform's identifier for the applied mutation
	PlatformChangeID string
	// Request and Response hold the exact bytes exchanged, for the audit log
	Request  []byte
	Response []byte
}

// AdPlatform is the outbound ad platform. clientToken is the pending change ID so
// that a retried call is applied at most once by the platform.
type AdPlatform interface {
	SetBudget(ctx context.Context, externalAdID string, amount float64, currency, clientToken string) (*PlatformResult, error)
	Pause(ctx context.Context, externalAdID, clientToken string) (*PlatformResult, error)
	Resume(ctx context.Context, externalAdID, clientToken string) (*PlatformResult, error)
}

// AuditAppender records change transitions in the audit log
type AuditAppender interface {
	Append(ctx context.Context, rec AuditRecord) (*AuditRecord, error)
}
