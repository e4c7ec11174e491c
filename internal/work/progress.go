package work

import (
	"sync"
	"time"

	"github.com/aristath/adpilot/internal/events"
)

// Emitter publishes work lifecycle events. *events.Manager satisfies it.
type Emitter interface {
	Emit(module string, data events.EventData)
}

// progressThrottleInterval limits how often progress events are published
const progressThrottleInterval = 100 * time.Millisecond

// ProgressReporter publishes progress for one work item
type ProgressReporter struct {
	emitter  Emitter
	workID   string
	workType string
	subject  string

	lastReport time.Time
	mu         sync.Mutex
}

// NewProgressReporter creates a reporter. A nil emitter discards everything.
func NewProgressReporter(emitter Emitter, workID, workType, subject string) *ProgressReporter {
	return &ProgressReporter{
		emitter:  emitter,
		workID:   workID,
		workType: workType,
		subject:  subject,
	}
}

// ReportPhase reports a named phase with a message. Calls closer together
// than the throttle interval are dropped.
func (r *ProgressReporter) ReportPhase(phase, message string) {
	if r == nil || r.emitter == nil {
		return
	}

	r.mu.Lock()
	if time.Since(r.lastReport) < progressThrottleInterval {
		r.mu.Unlock()
		return
	}
	r.lastReport = time.Now()
	r.mu.Unlock()

	r.emit(events.JobProgress, func(d *events.JobData) {
		d.Phase = phase
		d.Message = message
	})
}

func (r *ProgressReporter) emitCompleted(duration time.Duration) {
	r.emit(events.JobCompleted, func(d *events.JobData) {
		d.DurationMs = duration.Milliseconds()
	})
}

func (r *ProgressReporter) emitFailed(err error, duration time.Duration, retries int) {
	r.emit(events.JobFailed, func(d *events.JobData) {
		if err != nil {
			d.Error = err.Error()
		}
		d.DurationMs = duration.Milliseconds()
		d.Retries = retries
	})
}

func (r *ProgressReporter) emit(t events.EventType, fill func(*events.JobData)) {
	if r == nil || r.emitter == nil {
		return
	}
	d := &events.JobData{
		WorkID:   r.workID,
		WorkType: r.workType,
		Subject:  r.subject,
		Type:     t,
	}
	fill(d)
	r.emitter.Emit("work", d)
}
