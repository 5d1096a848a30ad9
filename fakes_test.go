package pairchat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Credentials
// ============================================================================

func testToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func testSession(t *testing.T, userID string) *Session {
	t.Helper()
	s, err := NewSession(testToken(t, jwt.MapClaims{"id": userID}))
	require.NoError(t, err)
	return s
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

// ============================================================================
// Channel
// ============================================================================

type fakeChannel struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	out     []Envelope
	pings   int
	pingErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChannel) Write(_ context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed channel")
	default:
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// push delivers an inbound event.
func (f *fakeChannel) push(t *testing.T, event string, payload any) {
	t.Helper()
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Data = data
	}
	frame, err := json.Marshal(env)
	require.NoError(t, err)
	f.in <- frame
}

func (f *fakeChannel) sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.out...)
}

func (f *fakeChannel) sentEvents(event string) []Envelope {
	var out []Envelope
	for _, env := range f.sent() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	chans []*fakeChannel
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ch := newFakeChannel()
	d.chans = append(d.chans, ch)
	return ch, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chans)
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.chans) == 0 {
		return nil
	}
	return d.chans[len(d.chans)-1]
}

func testConnConfig() *ConnConfig {
	return &ConnConfig{
		AutoReconnect:      false,
		HeartbeatInterval:  -1,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	}
}

// ============================================================================
// Emitter
// ============================================================================

type emittedEvent struct {
	event   string
	payload any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
	err    error
}

func (e *fakeEmitter) Emit(event string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, emittedEvent{event: event, payload: payload})
	return nil
}

func (e *fakeEmitter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.event
	}
	return out
}

func (e *fakeEmitter) lastPayload() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return nil
	}
	return e.events[len(e.events)-1].payload
}

// ============================================================================
// ChatService
// ============================================================================

type fakeChatService struct {
	mu       sync.Mutex
	chats    []Conversation
	extra    map[string]Conversation
	messages map[string][]Message
	err      error
	calls    []string

	editResult     *Message
	reactionResult *Message
}

func newFakeChatService() *fakeChatService {
	return &fakeChatService{
		extra:    make(map[string]Conversation),
		messages: make(map[string][]Message),
	}
}

func (f *fakeChatService) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeChatService) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeChatService) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeChatService) ListChats(context.Context) ([]Conversation, error) {
	if err := f.record("ListChats"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Conversation(nil), f.chats...), nil
}

func (f *fakeChatService) GetChat(_ context.Context, chatID string) (*Conversation, error) {
	if err := f.record("GetChat:" + chatID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.extra[chatID]; ok {
		return &c, nil
	}
	for _, c := range f.chats {
		if c.ID == chatID {
			return &c, nil
		}
	}
	return nil, protocolError(&APIError{Message: "Chat not found"}, "")
}

func (f *fakeChatService) ListMessages(_ context.Context, chatID string) ([]Message, error) {
	if err := f.record("ListMessages:" + chatID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages[chatID]...), nil
}

func (f *fakeChatService) NotifyTyping(_ context.Context, chatID string) error {
	return f.record("NotifyTyping:" + chatID)
}

func (f *fakeChatService) EditMessage(_ context.Context, messageID, content string) (*Message, error) {
	if err := f.record("EditMessage:" + messageID); err != nil {
		return nil, err
	}
	return f.editResult, nil
}

func (f *fakeChatService) DeleteMessage(_ context.Context, messageID string) error {
	return f.record("DeleteMessage:" + messageID)
}

func (f *fakeChatService) AddReaction(_ context.Context, messageID, reaction string) (*Message, error) {
	if err := f.record("AddReaction:" + messageID + ":" + reaction); err != nil {
		return nil, err
	}
	return f.reactionResult, nil
}

func (f *fakeChatService) BlockUser(_ context.Context, userID string) error {
	return f.record("BlockUser:" + userID)
}

func (f *fakeChatService) UnblockUser(_ context.Context, userID string) error {
	return f.record("UnblockUser:" + userID)
}

func (f *fakeChatService) ArchiveChat(_ context.Context, chatID string) error {
	return f.record("ArchiveChat:" + chatID)
}

func (f *fakeChatService) UnarchiveChat(_ context.Context, chatID string) error {
	return f.record("UnarchiveChat:" + chatID)
}

func conversation(id string, participants ...string) Conversation {
	c := Conversation{ID: id, UpdatedAt: t0}
	for _, p := range participants {
		c.Participants = append(c.Participants, User{ID: p, Username: p})
	}
	return c
}

func message(id, chatID, sender, content string, createdAt time.Time) Message {
	return Message{ID: id, ChatID: chatID, SenderID: sender, Content: content, CreatedAt: createdAt, UpdatedAt: createdAt}
}
