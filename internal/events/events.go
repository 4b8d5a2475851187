// Package events provides the in-process event bus and the typed event
// payloads published by the riskmatch pipeline and review workflow.
package events

import (
	"sync"
	"time"
)

// EventType identifies a class of event.
type EventType string

const (
	SignalsIngested        EventType = "signals_ingested"
	FingerprintCreated     EventType = "fingerprint_created"
	RecommendationProposed EventType = "recommendation_proposed"
	RecommendationClaimed  EventType = "recommendation_claimed"
	RecommendationDecided  EventType = "recommendation_decided"
	RecommendationExpired  EventType = "recommendation_expired"
	EpisodeRecorded        EventType = "episode_recorded"
	BackupCompleted        EventType = "backup_completed"
)

// Event is a published occurrence with its typed payload.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(event *Event)

// Bus is a minimal publish/subscribe event bus. Subscriptions are
// registered at wire time and never removed, so publishing only takes a
// read lock.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers data to all handlers subscribed to its event type.
func (b *Bus) Publish(data EventData) {
	event := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	typed := b.handlers[event.Type]
	all := b.all
	b.mu.RUnlock()

	for _, h := range typed {
		h(event)
	}
	for _, h := range all {
		h(event)
	}
}
