package work

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/adpilot/internal/database"
	"github.com/rs/zerolog"
)

// CompletionTracker remembers when each work type and subject last succeeded.
// Backed by a database it survives restarts, so a daily backup or a prune run
// is not repeated every time the process comes up.
type CompletionTracker struct {
	db   *sql.DB
	log  zerolog.Logger
	last map[string]time.Time // key: "typeID:subject"
	mu   sync.RWMutex
}

// NewCompletionTracker creates a tracker that only lives in memory
func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{
		log:  zerolog.Nop(),
		last: make(map[string]time.Time),
	}
}

// LoadCompletionTracker creates a tracker persisted in the work_completions
// table and loads what earlier runs recorded
func LoadCompletionTracker(ctx context.Context, db *sql.DB, log zerolog.Logger) (*CompletionTracker, error) {
	t := &CompletionTracker{
		db:   db,
		log:  log.With().Str("component", "work_completions").Logger(),
		last: make(map[string]time.Time),
	}

	rows, err := db.QueryContext(ctx, `SELECT type_id, subject, completed_at FROM work_completions`)
	if err != nil {
		return nil, fmt.Errorf("failed to load work completions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typeID, subject string
		var at int64
		if err := rows.Scan(&typeID, &subject, &at); err != nil {
			return nil, fmt.Errorf("failed to scan work completion: %w", err)
		}
		t.last[makeKey(typeID, subject)] = database.FromMillis(at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load work completions: %w", err)
	}

	t.log.Debug().Int("entries", len(t.last)).Msg("Work completions restored")
	return t, nil
}

// MarkCompleted records a successful run now
func (t *CompletionTracker) MarkCompleted(item *WorkItem) {
	t.MarkCompletedAt(item, time.Now())
}

// MarkCompletedAt records a successful run at completedAt. A failed write is
// logged; the in-memory record still holds until restart.
func (t *CompletionTracker) MarkCompletedAt(item *WorkItem, completedAt time.Time) {
	t.mu.Lock()
	t.last[makeKey(item.TypeID, item.Subject)] = completedAt
	t.mu.Unlock()

	if t.db == nil {
		return
	}
	_, err := t.db.Exec(`INSERT INTO work_completions (type_id, subject, completed_at) VALUES (?, ?, ?)
		ON CONFLICT (type_id, subject) DO UPDATE SET completed_at = excluded.completed_at`,
		item.TypeID, item.Subject, database.ToMillis(completedAt))
	if err != nil {
		t.log.Warn().Err(err).Str("work", item.ID).Msg("Failed to persist work completion")
	}
}

// LastCompleted returns when typeID last succeeded for subject
func (t *CompletionTracker) LastCompleted(typeID, subject string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.last[makeKey(typeID, subject)]
	return at, ok
}

// Due reports whether work should run again: never completed, or completed
// more than interval ago. Zero interval is on-demand work, always due.
func (t *CompletionTracker) Due(typeID, subject string, interval time.Duration) bool {
	if interval == 0 {
		return true
	}
	at, ok := t.LastCompleted(typeID, subject)
	return !ok || time.Since(at) > interval
}
