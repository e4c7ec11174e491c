package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/events"
)

// DatabaseMonitor periodically pings the databases and emits an error event
// when one stops answering. Recovery is logged.
type DatabaseMonitor struct {
	databases    []*database.DB
	eventManager *events.Manager
	log          zerolog.Logger

	mu        sync.RWMutex
	unhealthy map[string]string

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewDatabaseMonitor creates a monitor. Nothing runs until Start.
func NewDatabaseMonitor(databases []*database.DB, eventManager *events.Manager, log zerolog.Logger) *DatabaseMonitor {
	return &DatabaseMonitor{
		databases:    databases,
		eventManager: eventManager,
		log:          log.With().Str("component", "db_monitor").Logger(),
		unhealthy:    make(map[string]string),
	}
}

// Start begins periodic checks
func (m *DatabaseMonitor) Start(interval time.Duration) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	m.mu.Unlock()

	go m.monitor(interval)
}

// Stop ends the checks. Stopping a monitor that never started is a no-op.
func (m *DatabaseMonitor) Stop() {
	m.mu.RLock()
	stop, stopped := m.stop, m.stopped
	m.mu.RUnlock()
	if stop == nil {
		return
	}
	m.once.Do(func() { close(stop) })
	<-stopped
}

func (m *DatabaseMonitor) monitor(interval time.Duration) {
	defer close(m.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(context.Background())
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Check(context.Background())
		}
	}
}

// Check pings every database once and records transitions
func (m *DatabaseMonitor) Check(ctx context.Context) {
	for _, db := range m.databases {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := db.QuickCheck(checkCtx)
		cancel()

		m.mu.Lock()
		_, wasDown := m.unhealthy[db.Name()]
		if err != nil {
			m.unhealthy[db.Name()] = err.Error()
		} else {
			delete(m.unhealthy, db.Name())
		}
		m.mu.Unlock()

		switch {
		case err != nil && !wasDown:
			m.log.Error().Err(err).Str("database", db.Name()).Msg("Database check failed")
			m.eventManager.EmitError("db_monitor", err, map[string]interface{}{"database": db.Name()})
		case err == nil && wasDown:
			m.log.Info().Str("database", db.Name()).Msg("Database recovered")
		}
	}
}

// Unhealthy returns the names of databases whose last check failed
func (m *DatabaseMonitor) Unhealthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.unhealthy))
	for name := range m.unhealthy {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
