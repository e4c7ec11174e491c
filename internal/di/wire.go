package di

import (
	"context"
	"fmt"
	"io"

	"github.com/aristath/adpilot/internal/config"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Initialize databases
// 2. Initialize repositories
// 3. Initialize services
// 4. Register background work
// 5. Schedule existing pools
//
// Nothing is started; see Start.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeRepositories(container, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := InitializeServices(container, cfg, log); err != nil {
		container.closeDatabases()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := InitializeWork(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize work: %w", err)
	}

	if err := SchedulePools(context.Background(), container, log); err != nil {
		container.Close()
		return nil, err
	}

	log.Info().Msg("Dependency injection wiring completed successfully")

	return container, nil
}

// Start launches the background components: the tick scheduler, the executor
// workers and the maintenance processor
func (c *Container) Start(ctx context.Context) {
	if c.started {
		return
	}
	c.started = true
	c.Scheduler.Start()
	c.ExecutorPool.Start(ctx)
	go c.WorkProcessor.Run()
}

// Stop halts the background components. In-flight ticks are cancelled and
// executor workers finish or abandon their current change.
func (c *Container) Stop() {
	if !c.started {
		return
	}
	c.started = false
	c.WorkProcessor.Stop()
	c.Scheduler.Stop()
	c.ExecutorPool.Stop()
}

// Close releases sinks and databases. Call Stop first.
func (c *Container) Close() {
	for _, sink := range c.auditSinks {
		if closer, ok := sink.(io.Closer); ok {
			closer.Close()
		}
	}
	c.closeDatabases()
}
