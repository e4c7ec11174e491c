package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrUnknownPool is returned for pools the scheduler does not track
var ErrUnknownPool = errors.New("pool is not scheduled")

// Ticker runs one allocation tick
type Ticker interface {
	Tick(ctx context.Context, poolID string, now time.Time) (*TickOutcome, error)
}

// PoolSchedule is the scheduler's view of one pool
type PoolSchedule struct {
	Next   time.Time `json:"next"`
	Prev   time.Time `json:"prev"`
	PoolID string    `json:"pool_id"`
	Paused bool      `json:"paused"`
}

type poolTask struct {
	entry  cron.EntryID
	paused bool
}

// Scheduler runs a cancellable periodic tick per pool. Each pool has its own
// cron entry, so pools tick in parallel while a slow tick of one pool is
// skipped rather than stacked.
type Scheduler struct {
	cron     *cron.Cron
	ticker   Ticker
	schedule string
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]*poolTask

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// NewScheduler creates a scheduler. schedule accepts standard cron specs with an
// optional seconds field and descriptors such as "@every 1h".
func NewScheduler(ticker Ticker, schedule string, log zerolog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid tick schedule %q: %w", schedule, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
		),
		ticker:   ticker,
		schedule: schedule,
		now:      time.Now,
		tasks:    make(map[string]*poolTask),
		ctx:      ctx,
		cancel:   cancel,
		log:      log.With().Str("component", "tick_scheduler").Logger(),
	}, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Str("schedule", s.schedule).Int("pools", len(s.Pools())).Msg("Tick scheduler started")
}

// Stop cancels in-flight ticks and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Tick scheduler stopped")
}

// AddPool schedules ticks for a pool. Adding a scheduled pool is a no-op.
func (s *Scheduler) AddPool(poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[poolID]; ok {
		return nil
	}
	id, err := s.cron.AddFunc(s.schedule, func() { s.run(poolID) })
	if err != nil {
		return err
	}
	s.tasks[poolID] = &poolTask{entry: id}
	s.log.Debug().Str("pool_id", poolID).Msg("Pool scheduled")
	return nil
}

// RemovePool stops scheduling a pool
func (s *Scheduler) RemovePool(poolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[poolID]; ok {
		s.cron.Remove(task.entry)
		delete(s.tasks, poolID)
		s.log.Debug().Str("pool_id", poolID).Msg("Pool unscheduled")
	}
}

// PausePool keeps the pool scheduled but skips its ticks
func (s *Scheduler) PausePool(poolID string) error {
	return s.setPaused(poolID, true)
}

// ResumePool resumes a paused pool
func (s *Scheduler) ResumePool(poolID string) error {
	return s.setPaused(poolID, false)
}

func (s *Scheduler) setPaused(poolID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[poolID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	task.paused = paused
	return nil
}

// TickNow runs a tick immediately, outside the schedule. It runs even for
// paused pools since it is an explicit request.
func (s *Scheduler) TickNow(ctx context.Context, poolID string) (*TickOutcome, error) {
	s.log.Info().Str("pool_id", poolID).Msg("Running tick immediately")
	return s.ticker.Tick(ctx, poolID, s.now())
}

// Pools lists scheduled pools ordered by ID
func (s *Scheduler) Pools() []PoolSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PoolSchedule, 0, len(s.tasks))
	for id, task := range s.tasks {
		entry := s.cron.Entry(task.entry)
		out = append(out, PoolSchedule{PoolID: id, Paused: task.paused, Next: entry.Next, Prev: entry.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

func (s *Scheduler) run(poolID string) {
	s.mu.Lock()
	task, ok := s.tasks[poolID]
	paused := ok && task.paused
	s.mu.Unlock()

	if !ok || paused {
		return
	}

	outcome, err := s.ticker.Tick(s.ctx, poolID, s.now())
	if err != nil {
		s.log.Error().Err(err).Str("pool_id", poolID).Msg("Scheduled tick failed")
		return
	}
	if outcome.LeaseHeld {
		s.log.Debug().Str("pool_id", poolID).Msg("Scheduled tick skipped, lease held")
	}
}

// cronLogger routes cron's own messages into zerolog
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
