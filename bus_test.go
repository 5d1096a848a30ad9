package pairchat

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBus(t *testing.T) {
	t.Run("publish in order", func(t *testing.T) {
		b := NewBus(zerolog.Nop())
		var got []string
		b.Subscribe("e", func(string, json.RawMessage) { got = append(got, "a") })
		b.Subscribe("e", func(string, json.RawMessage) { got = append(got, "b") })

		n := b.Publish(Envelope{Event: "e"})
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"a", "b"}, got)
		assert.Equal(t, 0, b.Publish(Envelope{Event: "other"}))
	})

	t.Run("unsubscribe", func(t *testing.T) {
		b := NewBus(zerolog.Nop())
		calls := 0
		sub := b.Subscribe("e", func(string, json.RawMessage) { calls++ })
		assert.Equal(t, 1, b.HandlerCount("e"))

		sub.Unsubscribe()
		sub.Unsubscribe()
		b.Publish(Envelope{Event: "e"})
		assert.Equal(t, 0, calls)
		assert.Equal(t, 0, b.HandlerCount("e"))
	})

	t.Run("typed handler", func(t *testing.T) {
		b := NewBus(zerolog.Nop())
		var got TypingPayload
		On(b, EventTyping, func(p TypingPayload) { got = p })

		b.Publish(Envelope{Event: EventTyping, Data: json.RawMessage(`{"chatId":"c1","userId":"u2"}`)})
		assert.Equal(t, TypingPayload{ChatID: "c1", UserID: "u2"}, got)
	})

	t.Run("undecodable payload is dropped", func(t *testing.T) {
		b := NewBus(zerolog.Nop())
		calls := 0
		On(b, EventNewMessage, func(Message) { calls++ })

		b.Publish(Envelope{Event: EventNewMessage, Data: json.RawMessage(`"not a message"`)})
		assert.Equal(t, 0, calls)
	})

	t.Run("empty payload", func(t *testing.T) {
		b := NewBus(zerolog.Nop())
		calls := 0
		On(b, EventMatchRejected, func(struct{}) { calls++ })

		b.Publish(Envelope{Event: EventMatchRejected})
		assert.Equal(t, 1, calls)
	})

	t.Run("panicking handler does not stop others", func(t *testing.T) {
		b := NewBus(zerolog.Nop())
		reached := false
		b.Subscribe("e", func(string, json.RawMessage) { panic("boom") })
		b.Subscribe("e", func(string, json.RawMessage) { reached = true })

		assert.NotPanics(t, func() { b.Publish(Envelope{Event: "e"}) })
		assert.True(t, reached)
	})
}
