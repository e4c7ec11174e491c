package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/adpilot/internal/domain"
)

func TestPool_DrainsQueueWithoutDoubleExecution(t *testing.T) {
	f := setup(t, 6)
	f.exec.cfg.PollInterval = 10 * time.Millisecond

	for i := 1; i <= 6; i++ {
		f.enqueue(t, fmt.Sprintf("c%d", i), fmt.Sprintf("v%d", i), domain.ChangeBudgetSet, 101.5, 1)
	}

	pool := NewPool(f.exec, 3, testLog)
	pool.Start(context.Background())
	defer pool.Stop()
	pool.Trigger()

	require.Eventually(t, func() bool {
		return len(f.platform.Calls()) == 6
	}, 5*time.Second, 10*time.Millisecond)

	pool.Stop()

	seen := make(map[string]bool)
	for _, call := range f.platform.Calls() {
		assert.False(t, seen[call.ClientToken], "change %s executed twice", call.ClientToken)
		seen[call.ClientToken] = true
	}
	for i := 1; i <= 6; i++ {
		assert.Equal(t, domain.StateCompleted, f.change(t, fmt.Sprintf("c%d", i)).State)
	}
}

func TestPool_StopWithoutStart(t *testing.T) {
	f := setup(t, 1)
	pool := NewPool(f.exec, 0, testLog)
	assert.Equal(t, 1, pool.workers)
	pool.Stop()
}
