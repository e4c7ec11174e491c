// Package audit is the append-only record of every pending-change transition.
// Records are hash-chained per change and exported to Kafka and S3 through a
// cursor table, so exported rows are never rewritten.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/domain"
)

const recordColumns = `position, id, change_id, seq, variant_id, pool_id, from_state, to_state, note, actor,
	request_json, response_json, error, created_at, prev_hash, hash`

// Ledger stores audit records in the ledger database
type Ledger struct {
	db *sql.DB
	// serialises seq allocation within the process; UNIQUE(change_id, seq)
	// catches writers in other processes
	mu  sync.Mutex
	log zerolog.Logger
}

// NewLedger creates a ledger over the ledger database
func NewLedger(db *sql.DB, log zerolog.Logger) *Ledger {
	return &Ledger{
		db:  db,
		log: log.With().Str("repo", "audit").Logger(),
	}
}

// Append assigns the record its ID, sequence number and hash and stores it
func (l *Ledger) Append(ctx context.Context, rec domain.AuditRecord) (*domain.AuditRecord, error) {
	if rec.ChangeID == "" {
		return nil, fmt.Errorf("audit record requires a change id")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := database.WithTransactionContext(ctx, l.db, func(tx *sql.Tx) error {
		var lastSeq int
		var lastHash string
		err := tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_records
			WHERE change_id = ? ORDER BY seq DESC LIMIT 1`, rec.ChangeID).Scan(&lastSeq, &lastHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read chain head: %w", err)
		}

		rec.Seq = lastSeq + 1
		rec.PrevHash = lastHash
		rec.Hash, err = computeHash(&rec)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO audit_records
			(id, change_id, seq, variant_id, pool_id, from_state, to_state, note, actor,
			 request_json, response_json, error, created_at, prev_hash, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ChangeID, rec.Seq, rec.VariantID, rec.PoolID, string(rec.FromState), string(rec.ToState),
			rec.Note, rec.Actor, nullBytes(rec.Request), nullBytes(rec.Response), nullString(rec.Error),
			database.ToMillis(rec.CreatedAt), rec.PrevHash, rec.Hash)
		if err != nil {
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
		rec.Position, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Debug().
		Str("change_id", rec.ChangeID).
		Int("seq", rec.Seq).
		Str("transition", string(rec.FromState)+"->"+string(rec.ToState)).
		Msg("Audit record appended")
	return &rec, nil
}

// ForChange returns a change's records in sequence order
func (l *Ledger) ForChange(ctx context.Context, changeID string) ([]domain.AuditRecord, error) {
	return l.query(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE change_id = ? ORDER BY seq`, changeID)
}

// ForVariant returns the newest records touching a variant, newest first
func (l *Ledger) ForVariant(ctx context.Context, variantID string, limit int) ([]domain.AuditRecord, error) {
	return l.query(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE variant_id = ?
		ORDER BY created_at DESC, position DESC LIMIT ?`, variantID, limit)
}

// ListAfter returns up to limit records with a position above after, oldest first
func (l *Ledger) ListAfter(ctx context.Context, after int64, limit int) ([]domain.AuditRecord, error) {
	return l.query(ctx, `SELECT `+recordColumns+` FROM audit_records WHERE position > ?
		ORDER BY position LIMIT ?`, after, limit)
}

// Verify checks the hash chain of one change
func (l *Ledger) Verify(ctx context.Context, changeID string) error {
	recs, err := l.ForChange(ctx, changeID)
	if err != nil {
		return err
	}
	return verifyChain(recs)
}

// Cursor returns the last exported position for a sink
func (l *Ledger) Cursor(ctx context.Context, sink string) (int64, error) {
	var pos int64
	err := l.db.QueryRowContext(ctx, `SELECT last_position FROM audit_stream_cursor WHERE sink = ?`, sink).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor for %s: %w", sink, err)
	}
	return pos, nil
}

// SaveCursor records the last exported position for a sink
func (l *Ledger) SaveCursor(ctx context.Context, sink string, position int64, now time.Time) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO audit_stream_cursor (sink, last_position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (sink) DO UPDATE SET last_position = excluded.last_position, updated_at = excluded.updated_at`,
		sink, position, database.ToMillis(now))
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", sink, err)
	}
	return nil
}

func (l *Ledger) query(ctx context.Context, query string, args ...interface{}) ([]domain.AuditRecord, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var from, to string
		var request, response, errText sql.NullString
		var created int64
		if err := rows.Scan(&rec.Position, &rec.ID, &rec.ChangeID, &rec.Seq, &rec.VariantID, &rec.PoolID,
			&from, &to, &rec.Note, &rec.Actor, &request, &response, &errText, &created,
			&rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.FromState = domain.ChangeState(from)
		rec.ToState = domain.ChangeState(to)
		if request.Valid {
			rec.Request = []byte(request.String)
		}
		if response.Valid {
			rec.Response = []byte(response.String)
		}
		rec.Error = errText.String
		rec.CreatedAt = database.FromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
