package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable state change inside platformconf.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	TargetID  string                 `json:"target_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeSettingChanged  = "setting.changed"
	EventTypeClockReloaded   = "clock.reloaded"
	EventTypeClockInvalid    = "clock.invalid"
	EventTypeFactsCollected  = "facts.collected"
	EventTypeProviderInvoked = "provider.invoked"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventsConfig configures event publishing.
type EventsConfig struct {
	// Enabled controls whether events are delivered at all.
	Enabled bool `yaml:"enabled"`
}

// EventSubscriber handles a published event.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Delivery is synchronous
// and in subscription order.
type EventPublisher struct {
	config      EventsConfig
	mu          sync.RWMutex
	subscribers []subscriberEntry
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher. A disabled publisher drops every event.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	return &EventPublisher{config: cfg}
}

// Publish delivers event to all matching subscribers.
func (ep *EventPublisher) Publish(event Event) {
	if ep == nil || !ep.config.Enabled {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	subs := make([]subscriberEntry, len(ep.subscribers))
	copy(subs, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// PublishSettingChanged publishes a setting change. Values must already be
// redacted by the caller.
func (ep *EventPublisher) PublishSettingChanged(settingType, name, action, before, after string) {
	ep.Publish(Event{
		Type:     EventTypeSettingChanged,
		Source:   "settings",
		TargetID: settingType + ":" + name,
		Message:  "setting " + action,
		Data: map[string]interface{}{
			"action": action,
			"before": before,
			"after":  after,
		},
	})
}

// PublishClockReloaded publishes a successful clock configuration reload.
func (ep *EventPublisher) PublishClockReloaded(path string, sections int) {
	ep.Publish(Event{
		Type:     EventTypeClockReloaded,
		Source:   "clockconf",
		TargetID: path,
		Message:  "clock configuration reloaded",
		Data:     map[string]interface{}{"sections": sections},
	})
}

// PublishClockInvalid publishes a failed clock configuration reload.
func (ep *EventPublisher) PublishClockInvalid(path, reason string) {
	ep.Publish(Event{
		Type:     EventTypeClockInvalid,
		Source:   "clockconf",
		TargetID: path,
		Level:    EventLevelError,
		Message:  reason,
	})
}

// PublishFactsCollected publishes the result of a fact collection run.
func (ep *EventPublisher) PublishFactsCollected(targetID string, collected, failed int) {
	level := EventLevelInfo
	if failed > 0 {
		level = EventLevelWarning
	}
	ep.Publish(Event{
		Type:     EventTypeFactsCollected,
		Source:   "facts",
		TargetID: targetID,
		Level:    level,
		Message:  "facts collected",
		Data: map[string]interface{}{
			"collected": collected,
			"failed":    failed,
		},
	})
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByTarget creates a filter that only allows events for one target.
func FilterByTarget(targetID string) EventFilter {
	return func(event Event) bool {
		return event.TargetID == targetID
	}
}
