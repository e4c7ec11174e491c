package work

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often the processor looks for due work without a trigger
const DefaultPollInterval = 10 * time.Second

// ErrUnknownWorkType is returned by ExecuteNow for an unregistered ID
var ErrUnknownWorkType = errors.New("unknown work type")

// TypeStatus is the last known outcome of a work type
type TypeStatus struct {
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastOK     *time.Time `json:"last_ok,omitempty"`
	ID         string     `json:"id"`
	Priority   string     `json:"priority"`
	LastError  string     `json:"last_error,omitempty"`
	DependsOn  []string   `json:"depends_on,omitempty"`
	Interval   string     `json:"interval"`
	Runs       int        `json:"runs"`
	Failures   int        `json:"failures"`
	Enabled    bool       `json:"enabled"`
	InFlight   bool       `json:"in_flight"`
	RetryQueue int        `json:"retry_queue"`
}

type typeStats struct {
	lastRun   time.Time
	lastOK    time.Time
	lastError string
	runs      int
	failures  int
}

// Processor executes work items one at a time, respecting dependencies and intervals.
type Processor struct {
	registry   *Registry
	completion *CompletionTracker
	emitter    Emitter
	timeout    time.Duration
	poll       time.Duration
	log        zerolog.Logger

	trigger    chan struct{}
	done       chan struct{}
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
	retryQueue []*WorkItem
	inFlight   map[string]bool
	stats      map[string]*typeStats
	mu         sync.Mutex
}

// NewProcessor creates a new work processor.
func NewProcessor(registry *Registry, completion *CompletionTracker, emitter Emitter, log zerolog.Logger) *Processor {
	return NewProcessorWithTimeout(registry, completion, emitter, WorkTimeout, log)
}

// NewProcessorWithTimeout creates a new work processor with a custom timeout.
func NewProcessorWithTimeout(registry *Registry, completion *CompletionTracker, emitter Emitter, timeout time.Duration, log zerolog.Logger) *Processor {
	return &Processor{
		registry:   registry,
		completion: completion,
		emitter:    emitter,
		timeout:    timeout,
		poll:       DefaultPollInterval,
		log:        log.With().Str("component", "work_processor").Logger(),
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		retryQueue: make([]*WorkItem, 0),
		inFlight:   make(map[string]bool),
		stats:      make(map[string]*typeStats),
	}
}

// SetPollInterval changes how often the processor checks for due work. Call before Run.
func (p *Processor) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.poll = d
	}
}

// Run starts the processor loop. This blocks until Stop() is called.
func (p *Processor) Run() {
	defer close(p.stopped)

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	p.processOne()
	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.processOne()
		case <-p.done:
			p.processOne()
		case <-ticker.C:
			p.processOne()
		}
	}
}

// Stop stops the processor and waits for the loop to exit. A running item
// finishes under its own timeout.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.stopped
}

// Trigger wakes up the processor to check for work.
// This is non-blocking and can be called from any goroutine.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// ExecuteNow runs a work type synchronously, bypassing interval and dependency
// checks. It is used for manual triggers via the API.
func (p *Processor) ExecuteNow(ctx context.Context, workTypeID string, subject string) error {
	wt := p.registry.Get(workTypeID)
	if wt == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorkType, workTypeID)
	}

	item := NewWorkItem(wt, subject)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.execute(ctx, item, wt)
	if err == nil {
		p.completion.MarkCompleted(item)
	}
	return err
}

// Status reports every registered work type with its last outcome
func (p *Processor) Status() []TypeStatus {
	types := p.registry.ByPriority()

	p.mu.Lock()
	defer p.mu.Unlock()

	retries := make(map[string]int)
	for _, item := range p.retryQueue {
		retries[item.TypeID]++
	}
	inFlight := make(map[string]bool)
	for id := range p.inFlight {
		typeID, _ := ParseWorkID(id)
		inFlight[typeID] = true
	}

	out := make([]TypeStatus, 0, len(types))
	for _, wt := range types {
		st := TypeStatus{
			ID:         wt.ID,
			Priority:   wt.Priority.String(),
			DependsOn:  wt.DependsOn,
			Interval:   wt.Interval.String(),
			Enabled:    wt.isEnabled(),
			InFlight:   inFlight[wt.ID],
			RetryQueue: retries[wt.ID],
		}
		if s := p.stats[wt.ID]; s != nil {
			st.Runs = s.runs
			st.Failures = s.failures
			st.LastError = s.lastError
			if !s.lastRun.IsZero() {
				t := s.lastRun
				st.LastRun = &t
			}
			if !s.lastOK.IsZero() {
				t := s.lastOK
				st.LastOK = &t
			}
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// processOne finds and starts the next eligible work item.
func (p *Processor) processOne() {
	p.mu.Lock()
	if len(p.inFlight) > 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	item, wt := p.findNextWork()
	if item == nil {
		item, wt = p.popRetryQueue()
	}
	if item == nil {
		return
	}

	p.mu.Lock()
	p.inFlight[item.ID] = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, item.ID)
			p.mu.Unlock()

			select {
			case p.done <- struct{}{}:
			default:
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		err := p.execute(ctx, item, wt)
		if err == nil {
			p.completion.MarkCompleted(item)
			return
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.log.Error().Str("work", item.ID).Msg("Work timed out")
		} else {
			p.log.Error().Err(err).Str("work", item.ID).Msg("Work failed")
		}

		item.Retries++
		if item.Retries < MaxRetries {
			item.NotBefore = time.Now().Add(RetryDelay)
			p.pushRetryQueue(item)
		} else {
			p.log.Warn().Str("work", item.ID).Int("retries", item.Retries).Msg("Max retries reached, skipping")
		}
	}()
}

// findNextWork returns the highest-priority due item whose dependencies have completed.
func (p *Processor) findNextWork() (*WorkItem, *WorkType) {
	for _, wt := range p.registry.ByPriority() {
		// on-demand work runs only through ExecuteNow
		if wt.Interval == 0 || !wt.isEnabled() {
			continue
		}
		for _, subject := range wt.subjects() {
			if !p.completion.Due(wt.ID, subject, wt.Interval) {
				continue
			}
			if p.queuedForRetry(makeKey(wt.ID, subject)) {
				continue
			}
			if !p.dependenciesMet(wt, subject) {
				continue
			}
			return NewWorkItem(wt, subject), wt
		}
	}
	return nil, nil
}

// dependenciesMet checks if all dependencies for a work type have been completed.
func (p *Processor) dependenciesMet(wt *WorkType, subject string) bool {
	for _, depID := range wt.DependsOn {
		if _, exists := p.completion.LastCompleted(depID, subject); !exists {
			return false
		}
	}
	return true
}

// execute runs one item and records its outcome
func (p *Processor) execute(ctx context.Context, item *WorkItem, wt *WorkType) error {
	progress := NewProgressReporter(p.emitter, item.ID, item.TypeID, item.Subject)
	start := time.Now()

	err := wt.Execute(ctx, item.Subject, progress)
	elapsed := time.Since(start)

	p.mu.Lock()
	s := p.stats[wt.ID]
	if s == nil {
		s = &typeStats{}
		p.stats[wt.ID] = s
	}
	s.runs++
	s.lastRun = start
	if err != nil {
		s.failures++
		s.lastError = err.Error()
	} else {
		s.lastOK = start
		s.lastError = ""
	}
	p.mu.Unlock()

	if err != nil {
		progress.emitFailed(err, elapsed, item.Retries)
		return err
	}
	progress.emitCompleted(elapsed)
	p.log.Debug().Str("work", item.ID).Dur("duration", elapsed).Msg("Work completed")
	return nil
}

func (p *Processor) queuedForRetry(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range p.retryQueue {
		if item.ID == id {
			return true
		}
	}
	return false
}

// pushRetryQueue adds an item to the retry queue.
func (p *Processor) pushRetryQueue(item *WorkItem) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.retryQueue = append(p.retryQueue, item)
}

// popRetryQueue removes and returns the first retry item whose delay has passed.
func (p *Processor) popRetryQueue() (*WorkItem, *WorkType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for i, item := range p.retryQueue {
		if now.Before(item.NotBefore) {
			continue
		}
		p.retryQueue = append(p.retryQueue[:i], p.retryQueue[i+1:]...)

		wt := p.registry.Get(item.TypeID)
		if wt == nil {
			return nil, nil
		}
		return item, wt
	}
	return nil, nil
}
