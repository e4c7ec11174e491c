package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus()

	var got []*Event
	unsubscribe := bus.Subscribe(func(e *Event) { got = append(got, e) }, AllocationApplied, ChangeCompleted)
	assert.Equal(t, 1, bus.Subscribers(AllocationApplied))

	bus.Publish("allocation", &AllocationAppliedData{PoolID: "p1", Created: 2})
	bus.Publish("executor", &ChangeData{Type: ChangeFailed, ChangeID: "c1"})
	bus.Publish("executor", &ChangeData{Type: ChangeCompleted, ChangeID: "c2", PoolID: "p1"})

	require.Len(t, got, 2)
	assert.Equal(t, AllocationApplied, got[0].Type)
	assert.Equal(t, "allocation", got[0].Module)
	assert.Equal(t, "p1", got[0].PoolID())
	assert.Equal(t, ChangeCompleted, got[1].Type)

	unsubscribe()
	unsubscribe()
	assert.Zero(t, bus.Subscribers(AllocationApplied))

	bus.Publish("allocation", &AllocationAppliedData{PoolID: "p1"})
	assert.Len(t, got, 2)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var (
		mu    sync.Mutex
		count int
	)
	unsubscribe := bus.Subscribe(func(*Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, AllTypes...)
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish("test", &PoolStatusData{PoolID: "p", Paused: true})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}

func TestManager_Emit(t *testing.T) {
	bus := NewBus()
	m := NewManager(bus, zerolog.New(nil).Level(zerolog.Disabled))

	var got *Event
	bus.Subscribe(func(e *Event) { got = e }, ErrorOccurred)

	m.EmitError("executor", errors.New("boom"), map[string]interface{}{"change_id": "c1"})
	require.NotNil(t, got)
	data, ok := got.Data.(*ErrorEventData)
	require.True(t, ok)
	assert.Equal(t, "boom", data.Error)
	assert.Empty(t, got.PoolID())
	assert.Same(t, bus, m.Bus())
}

func TestManager_NilIsNoop(t *testing.T) {
	var m *Manager
	assert.NotPanics(t, func() {
		m.Emit("x", &PoolStatusData{PoolID: "p"})
		m.EmitError("x", errors.New("boom"), nil)
	})
	assert.Nil(t, m.Bus())
}
