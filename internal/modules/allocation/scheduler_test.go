package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTicker) Tick(_ context.Context, poolID string, _ time.Time) (*TickOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, poolID)
	if f.err != nil {
		return nil, f.err
	}
	return &TickOutcome{}, nil
}

func (f *fakeTicker) count(poolID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == poolID {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, ticker Ticker, schedule string) *Scheduler {
	t.Helper()
	s, err := NewScheduler(ticker, schedule, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	return s
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewScheduler(&fakeTicker{}, "every now and then", zerolog.Nop())
	assert.Error(t, err)
}

func TestScheduler_PoolLifecycle(t *testing.T) {
	ticker := &fakeTicker{}
	s := newTestScheduler(t, ticker, "@every 1h")

	require.NoError(t, s.AddPool("p1"))
	require.NoError(t, s.AddPool("p1"))
	require.NoError(t, s.AddPool("p2"))

	pools := s.Pools()
	require.Len(t, pools, 2)
	assert.Equal(t, "p1", pools[0].PoolID)

	require.NoError(t, s.PausePool("p1"))
	s.run("p1")
	assert.Zero(t, ticker.count("p1"), "paused pools do not tick")

	require.NoError(t, s.ResumePool("p1"))
	s.run("p1")
	assert.Equal(t, 1, ticker.count("p1"))

	s.RemovePool("p1")
	s.run("p1")
	assert.Equal(t, 1, ticker.count("p1"), "removed pools do not tick")
	assert.ErrorIs(t, s.PausePool("p1"), ErrUnknownPool)
	assert.Len(t, s.Pools(), 1)
}

func TestScheduler_TickNowIgnoresPause(t *testing.T) {
	ticker := &fakeTicker{}
	s := newTestScheduler(t, ticker, "@every 1h")
	require.NoError(t, s.AddPool("p1"))
	require.NoError(t, s.PausePool("p1"))

	_, err := s.TickNow(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, ticker.count("p1"))

	ticker.err = errors.New("boom")
	_, err = s.TickNow(context.Background(), "p1")
	assert.EqualError(t, err, "boom")
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	ticker := &fakeTicker{}
	s := newTestScheduler(t, ticker, "@every 1s")
	require.NoError(t, s.AddPool("p1"))
	require.NoError(t, s.AddPool("p2"))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return ticker.count("p1") > 0 && ticker.count("p2") > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_FailingTickKeepsRunning(t *testing.T) {
	ticker := &fakeTicker{err: errors.New("db down")}
	s := newTestScheduler(t, ticker, "@every 1h")
	require.NoError(t, s.AddPool("p1"))

	assert.NotPanics(t, func() { s.run("p1") })
	assert.Equal(t, 1, ticker.count("p1"))
}
