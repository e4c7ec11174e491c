package executor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pool runs a fixed number of workers draining the queue through one Executor
type Pool struct {
	exec    *Executor
	workers int
	poll    time.Duration
	prefix  string

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	log     zerolog.Logger
}

// NewPool creates a worker pool. Worker owners are unique per process so
// claims from different replicas never collide.
func NewPool(exec *Executor, workers int, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	host, _ := os.Hostname()
	return &Pool{
		exec:    exec,
		workers: workers,
		poll:    exec.cfg.PollInterval,
		prefix:  fmt.Sprintf("%s/%s", host, uuid.New().String()[:8]),
		trigger: make(chan struct{}, 1),
		log:     log.With().Str("component", "executor_pool").Logger(),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 1; i <= p.workers; i++ {
		owner := fmt.Sprintf("%s-w%d", p.prefix, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx, owner)
		}()
	}
	p.log.Info().Int("workers", p.workers).Dur("poll", p.poll).Msg("Executor pool started")
}

// Stop cancels the workers and waits for in-flight changes to settle
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	p.wg.Wait()
	p.log.Info().Msg("Executor pool stopped")
}

// Trigger wakes one idle worker without waiting for the poll interval.
// This is non-blocking and can be called from any goroutine.
func (p *Pool) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Pool) work(ctx context.Context, owner string) {
	log := p.log.With().Str("worker", owner).Logger()
	for {
		outcome, err := p.exec.ProcessNext(ctx, owner)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("Worker pass failed")
		}
		if outcome != OutcomeIdle && err == nil {
			continue
		}

		timer := time.NewTimer(p.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}
