package pairchat

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Names
// ============================================================================

// Outbound events.
const (
	EventAuthenticate = "authenticate"
	EventStartSearch  = "start-search"
	EventEndSearch    = "end-search"
	EventAcceptMatch  = "accept-match"
	EventRejectMatch  = "reject-match"
	EventJoinChat     = "join-chat"
	EventSendMessage  = "send-message"
)

// Inbound events.
const (
	EventMatchFound     = "match-found"
	EventMatchConfirmed = "match-confirmed"
	EventMatchRejected  = "match-rejected"
	EventNewMessage     = "new-message"
	EventMessageError   = "message-error"
)

// Bidirectional events.
const (
	EventTyping  = "typing"
	EventReadAll = "read-all"
)

// Envelope is the wire format of every channel frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// Bus
// ============================================================================

// EventHandler is the raw event callback type.
type EventHandler func(event string, data json.RawMessage)

type handlerEntry struct {
	id uint64
	fn EventHandler
}

// Bus is a publish/subscribe registry of inbound event handlers. Publish runs
// handlers synchronously, in subscription order, so events are observed in
// arrival order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
	logger   zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger.With().Str("component", "bus").Logger(),
	}
}

// Subscription removes a registered handler on Unsubscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers a raw handler for event.
func (b *Bus) Subscribe(event string, h EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], handlerEntry{id: id, fn: h})
	return &Subscription{cancel: func() { b.remove(event, id) }}
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[event]
	for i, e := range entries {
		if e.id == id {
			b.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[event]) == 0 {
		delete(b.handlers, event)
	}
}

// HandlerCount returns the number of handlers registered for event.
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// Publish delivers env to every handler of env.Event and returns how many
// handlers ran.
func (b *Bus) Publish(env Envelope) int {
	b.mu.RLock()
	entries := append([]handlerEntry(nil), b.handlers[env.Event]...)
	b.mu.RUnlock()

	for _, e := range entries {
		b.invoke(e.fn, env)
	}
	return len(entries)
}

func (b *Bus) invoke(h EventHandler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("event", env.Event).Interface("panic", r).Msg("Event handler panicked")
		}
	}()
	h(env.Event, env.Data)
}

// On registers a typed handler on b. The payload is decoded into T; frames
// that do not decode are logged and skipped.
func On[T any](b *Bus, event string, h func(T)) *Subscription {
	return b.Subscribe(event, func(name string, data json.RawMessage) {
		var payload T
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &payload); err != nil {
				b.logger.Warn().Err(err).Str("event", name).Msg("Dropping undecodable event payload")
				return
			}
		}
		h(payload)
	})
}
