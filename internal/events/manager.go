package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Manager handles event emission and logging. A nil Manager discards events.
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("service", "events").Logger(),
	}
}

// Bus returns the underlying bus
func (m *Manager) Bus() *Bus {
	if m == nil {
		return nil
	}
	return m.bus
}

// Emit publishes typed data and logs it
func (m *Manager) Emit(module string, data EventData) {
	if m == nil || data == nil {
		return
	}

	ev := m.bus.Publish(module, data)

	eventJSON, _ := json.Marshal(ev)
	m.log.Debug().
		Str("event_type", string(ev.Type)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	m.Emit(module, &ErrorEventData{Error: err.Error(), Context: context})
}
