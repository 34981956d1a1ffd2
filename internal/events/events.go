package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventDraftCreated          = "draft_created"
	EventDraftRebuilt          = "draft_rebuilt"
	EventSlotReconciled        = "slot_reconciled"
	EventAvailabilityLoadError = "availability_load_error"
	EventSubmissionAccepted    = "submission_accepted"
	EventSubmissionForwarded   = "submission_forwarded"
	EventSubmissionDeadLetter  = "submission_dead_letter"
)

// SlotEventPayload describes a slot-level occurrence for event consumers.
type SlotEventPayload struct {
	DraftID   string `json:"draft_id"`
	SlotIndex int    `json:"slot_index"`
	Date      string `json:"date,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// SubmissionEventPayload describes a submission lifecycle change.
type SubmissionEventPayload struct {
	SubmissionID string `json:"submission_id"`
	PatientRef   string `json:"patient_ref"`
	PlanID       string `json:"plan_id"`
	Sessions     int    `json:"sessions"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
