package pairchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestConnConfigDefaults(t *testing.T) {
	cfg := DefaultConnConfig()
	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval)

	c := NewConn(testSession(t, "me"), &fakeDialer{}, &ConnConfig{HeartbeatInterval: -1})
	assert.False(t, c.config.AutoReconnect)
	assert.Equal(t, time.Duration(-1), c.config.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, c.config.WriteTimeout)
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "wss://chat.example.com/ws", WebSocketURL("https://chat.example.com/"))
	assert.Equal(t, "ws://localhost:5000/ws", WebSocketURL("http://localhost:5000"))
}

func TestConnect(t *testing.T) {
	t.Run("authenticates after connect", func(t *testing.T) {
		d := &fakeDialer{}
		token := testToken(t, jwt.MapClaims{"id": "me"})
		c, err := Connect(context.Background(), token, d, testConnConfig())
		require.NoError(t, err)
		defer c.Close()

		assert.Equal(t, StateConnected, c.State())
		assert.Equal(t, "me", c.Session().UserID())

		sent := d.last().sent()
		require.Len(t, sent, 1)
		assert.Equal(t, EventAuthenticate, sent[0].Event)
		assert.JSONEq(t, `"me"`, string(sent[0].Data))
	})

	t.Run("missing credential", func(t *testing.T) {
		d := &fakeDialer{}
		_, err := Connect(context.Background(), "", d, testConnConfig())
		assert.True(t, IsAuthentication(err))
		assert.Equal(t, 0, d.dials())
	})

	t.Run("malformed credential", func(t *testing.T) {
		_, err := Connect(context.Background(), "abc.def", &fakeDialer{}, testConnConfig())
		assert.True(t, IsAuthentication(err))
	})

	t.Run("dial failure", func(t *testing.T) {
		c := NewConn(testSession(t, "me"), &fakeDialer{err: errors.New("refused")}, testConnConfig())
		err := c.Connect(context.Background())
		assert.True(t, IsNetwork(err))
		assert.Equal(t, StateDisconnected, c.State())
	})
}

func TestConn_Dispatch(t *testing.T) {
	d := &fakeDialer{}
	c := NewConn(testSession(t, "me"), d, testConnConfig())
	defer c.Close()

	got := make(chan TypingPayload, 1)
	On(c.Bus(), EventTyping, func(p TypingPayload) { got <- p })

	var raw atomic.Int32
	sub := c.On(EventMatchRejected, func(string, json.RawMessage) { raw.Add(1) })

	require.NoError(t, c.Connect(context.Background()))
	ch := d.last()

	ch.in <- []byte("{not json")
	ch.push(t, EventTyping, TypingPayload{ChatID: "c1", UserID: "p"})

	select {
	case p := <-got:
		assert.Equal(t, TypingPayload{ChatID: "c1", UserID: "p"}, p)
	case <-time.After(time.Second):
		t.Fatal("typing event not dispatched")
	}

	ch.push(t, EventMatchRejected, nil)
	assert.Eventually(t, func() bool { return raw.Load() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	ch.push(t, EventMatchRejected, nil)
	ch.push(t, EventTyping, TypingPayload{ChatID: "c2"})
	<-got
	assert.Equal(t, int32(1), raw.Load())
}

func TestConn_Emit(t *testing.T) {
	d := &fakeDialer{}
	c := NewConn(testSession(t, "me"), d, testConnConfig())

	assert.ErrorIs(t, c.Emit(EventJoinChat, "c1"), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Emit(EventJoinChat, "c1"))

	joins := d.last().sentEvents(EventJoinChat)
	require.Len(t, joins, 1)
	assert.JSONEq(t, `"c1"`, string(joins[0].Data))

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Emit(EventJoinChat, "c1"), ErrNotConnected)
	assert.Error(t, c.Connect(context.Background()))
}

func TestConn_Reconnect(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConnConfig()
	cfg.AutoReconnect = true
	c := NewConn(testSession(t, "me"), d, cfg)
	defer c.Close()

	var mu sync.Mutex
	var events []string
	c.OnConnected(func() {
		mu.Lock()
		events = append(events, "connected")
		mu.Unlock()
	})
	c.OnDisconnected(func(error) {
		mu.Lock()
		events = append(events, "disconnected")
		mu.Unlock()
	})
	c.OnReconnecting(func(attempt int, _ time.Duration) {
		mu.Lock()
		events = append(events, "reconnecting")
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	first := d.last()
	first.Close()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, d.dials())
	assert.Equal(t, StateConnected, c.State())

	second := d.last()
	assert.Len(t, second.sentEvents(EventAuthenticate), 1)

	mu.Lock()
	assert.Equal(t, []string{"connected", "disconnected", "reconnecting", "connected"}, events)
	mu.Unlock()
}

func TestConn_NoReconnectAfterClose(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConnConfig()
	cfg.AutoReconnect = true
	c := NewConn(testSession(t, "me"), d, cfg)

	var disconnects atomic.Int32
	c.OnDisconnected(func(error) { disconnects.Add(1) })

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, int32(0), disconnects.Load())
}

func TestConn_GivesUp(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConnConfig()
	cfg.AutoReconnect = true
	cfg.MaxReconnectAttempts = 2
	c := NewConn(testSession(t, "me"), d, cfg)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	d.mu.Lock()
	d.err = errors.New("refused")
	d.mu.Unlock()
	d.last().Close()

	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
}

func TestConn_Heartbeat(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConnConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	c := NewConn(testSession(t, "me"), d, cfg)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	ch := d.last()
	assert.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.pings >= 2
	}, time.Second, 5*time.Millisecond)

	t.Run("failed ping closes the channel", func(t *testing.T) {
		ch.mu.Lock()
		ch.pingErr = errors.New("pong timeout")
		ch.mu.Unlock()
		assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	})
}

func TestWebSocketDialer(t *testing.T) {
	received := make(chan Envelope, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("token"))
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer ")

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) == nil {
			received <- env
		}

		msg, _ := json.Marshal(message("m1", "c1", "p", "hello", t0))
		frame, _ := json.Marshal(Envelope{Event: EventNewMessage, Data: msg})
		_ = conn.Write(ctx, websocket.MessageText, frame)

		// Hold the connection until the client goes away.
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	dialer := &WebSocketDialer{URL: WebSocketURL(srv.URL)}
	c := NewConn(testSession(t, "me"), dialer, testConnConfig())
	defer c.Close()

	got := make(chan Message, 1)
	On(c.Bus(), EventNewMessage, func(m Message) { got <- m })
	require.NoError(t, c.Connect(context.Background()))

	select {
	case env := <-received:
		assert.Equal(t, EventAuthenticate, env.Event)
		assert.JSONEq(t, `"me"`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive authenticate")
	}

	select {
	case m := <-got:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "hello", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive new-message")
	}
}
