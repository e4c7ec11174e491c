package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/adpilot/internal/domain"
)

// ErrChainBroken is returned when a change's audit records do not link up
var ErrChainBroken = errors.New("audit chain broken")

// hashBody is the part of a record covered by its hash. Field order is fixed
// by the struct, which keeps the encoding stable.
type hashBody struct {
	ID        string `json:"id"`
	ChangeID  string `json:"change_id"`
	Seq       int    `json:"seq"`
	VariantID string `json:"variant_id"`
	PoolID    string `json:"pool_id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Note      string `json:"note"`
	Actor     string `json:"actor"`
	Request   string `json:"request"`
	Response  string `json:"response"`
	Error     string `json:"error"`
	CreatedAt int64  `json:"created_at"`
}

// computeHash returns hex(SHA256(body || prevHash bytes))
func computeHash(rec *domain.AuditRecord) (string, error) {
	body, err := json.Marshal(hashBody{
		ID:        rec.ID,
		ChangeID:  rec.ChangeID,
		Seq:       rec.Seq,
		VariantID: rec.VariantID,
		PoolID:    rec.PoolID,
		FromState: string(rec.FromState),
		ToState:   string(rec.ToState),
		Note:      rec.Note,
		Actor:     rec.Actor,
		Request:   string(rec.Request),
		Response:  string(rec.Response),
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("encode audit record: %w", err)
	}

	if rec.PrevHash != "" {
		prev, err := hex.DecodeString(rec.PrevHash)
		if err != nil {
			return "", fmt.Errorf("decode prev hash: %w", err)
		}
		body = append(body, prev...)
	}

	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// verifyChain checks that recs (one change, in seq order) are numbered from 1,
// each links to its predecessor and each hash matches its content
func verifyChain(recs []domain.AuditRecord) error {
	prev := ""
	for i := range recs {
		rec := &recs[i]
		if rec.Seq != i+1 {
			return fmt.Errorf("%w: record %s has seq %d, want %d", ErrChainBroken, rec.ID, rec.Seq, i+1)
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("%w: record %s does not link to its predecessor", ErrChainBroken, rec.ID)
		}
		want, err := computeHash(rec)
		if err != nil {
			return err
		}
		if rec.Hash != want {
			return fmt.Errorf("%w: record %s hash mismatch", ErrChainBroken, rec.ID)
		}
		prev = rec.Hash
	}
	return nil
}
