package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Streamer exports ledger records to every configured sink, each tracked by
// its own cursor
type Streamer struct {
	ledger *Ledger
	sinks  []Sink
	batch  int
	now    func() time.Time
	log    zerolog.Logger
}

// NewStreamer creates a streamer. A non-positive batch uses 100.
func NewStreamer(ledger *Ledger, sinks []Sink, batch int, log zerolog.Logger) *Streamer {
	if batch <= 0 {
		batch = 100
	}
	return &Streamer{
		ledger: ledger,
		sinks:  sinks,
		batch:  batch,
		now:    time.Now,
		log:    log.With().Str("service", "audit_streamer").Logger(),
	}
}

// Enabled reports whether any sink is configured
func (s *Streamer) Enabled() bool {
	return len(s.sinks) > 0
}

// Flush exports everything currently in the ledger. A failing sink is
// reported but does not hold back the others.
func (s *Streamer) Flush(ctx context.Context) (int, error) {
	var total int
	var errs []error
	for _, sink := range s.sinks {
		n, err := s.flushSink(ctx, sink)
		total += n
		if err != nil {
			s.log.Error().Err(err).Str("sink", sink.Name()).Int("exported", n).Msg("Audit export failed")
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return total, errors.Join(errs...)
}

func (s *Streamer) flushSink(ctx context.Context, sink Sink) (int, error) {
	cursor, err := s.ledger.Cursor(ctx, sink.Name())
	if err != nil {
		return 0, err
	}

	var exported int
	for {
		recs, err := s.ledger.ListAfter(ctx, cursor, s.batch)
		if err != nil {
			return exported, err
		}
		if len(recs) == 0 {
			return exported, nil
		}

		if err := sink.Publish(ctx, recs); err != nil {
			return exported, err
		}

		cursor = recs[len(recs)-1].Position
		if err := s.ledger.SaveCursor(ctx, sink.Name(), cursor, s.now()); err != nil {
			return exported, err
		}
		exported += len(recs)
		s.log.Debug().Str("sink", sink.Name()).Int64("position", cursor).Int("count", len(recs)).Msg("Audit batch exported")

		if len(recs) < s.batch {
			return exported, nil
		}
	}
}
