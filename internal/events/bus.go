package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tuleaj/plugin-aggregator/internal/shared/types"
)

const subscriberBuffer = 256

// Bus fans lifecycle events out to subscribers. Publish never blocks:
// a subscriber that falls behind has events dropped rather than stalling
// the supervisor or synchronizer goroutines that publish.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan types.Event
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan types.Event)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan types.Event, func()) {
	id := uuid.New().String()
	ch := make(chan types.Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish stamps the event with an ID and timestamp and delivers it to
// every subscriber that has buffer space.
func (b *Bus) Publish(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is saturated; drop for this subscriber only
		}
	}
}

// Notice publishes a user-visible notification
func (b *Bus) Notice(severity types.Severity, message string) {
	b.Publish(types.Event{
		Type:     types.EventNotice,
		Severity: severity,
		Message:  message,
	})
}

// PluginStatus publishes a status transition for one plugin
func (b *Bus) PluginStatus(name string, status types.Status) {
	b.Publish(types.Event{
		Type:   types.EventPluginStatus,
		Plugin: name,
		Status: status,
	})
}

// PluginError publishes a plugin failure with its human-readable message
func (b *Bus) PluginError(name, message string) {
	b.Publish(types.Event{
		Type:     types.EventPluginError,
		Plugin:   name,
		Message:  message,
		Severity: types.SeverityError,
	})
}

// SubscriberCount reports how many subscribers are attached
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
