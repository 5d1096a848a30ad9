package pairchat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// TimelineConfig configures the message timeline.
type TimelineConfig struct {
	// SendTimeout is how long an optimistic message may stay unconfirmed
	// before it is marked failed. Negative disables the timeout.
	SendTimeout time.Duration
}

func (c *TimelineConfig) defaults() {
	if c.SendTimeout == 0 {
		c.SendTimeout = 15 * time.Second
	}
}

// ============================================================================
// Timeline
// ============================================================================

// pendingSend is an optimistic message awaiting its confirmed counterpart,
// keyed by client id.
type pendingSend struct {
	localID string
	chatID  string
	timer   *Timer
}

// Timeline holds the messages of the active conversation in non-decreasing
// createdAt order, with at most one entry per id.
type Timeline struct {
	session *Session
	api     ChatService
	config  TimelineConfig
	metrics *Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	chatID   string
	messages []Message
	ids      map[string]struct{}
	pending  map[string]*pendingSend
	epoch    uint64
	onFailed func(Message)
}

// NewTimeline creates an empty timeline.
func NewTimeline(session *Session, api ChatService, config *TimelineConfig, metrics *Metrics, logger zerolog.Logger) *Timeline {
	var cfg TimelineConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Timeline{
		session: session,
		api:     api,
		config:  cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "timeline").Logger(),
		ids:     make(map[string]struct{}),
		pending: make(map[string]*pendingSend),
	}
}

// OnSendFailed sets the handler run when an optimistic message times out.
func (t *Timeline) OnSendFailed(h func(Message)) {
	t.mu.Lock()
	t.onFailed = h
	t.mu.Unlock()
}

// ChatID returns the conversation the timeline currently shows.
func (t *Timeline) ChatID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chatID
}

// Messages returns a copy of the timeline.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}

// Get returns a copy of the message with id.
func (t *Timeline) Get(id string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := t.indexLocked(id); i >= 0 {
		return t.messages[i].clone(), true
	}
	return Message{}, false
}

// PendingCount returns the number of unconfirmed sends.
func (t *Timeline) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Reset empties the timeline and binds it to chatID. Pending sends of the
// previous conversation are dropped.
func (t *Timeline) Reset(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epoch++
	t.resetLocked(chatID)
}

func (t *Timeline) resetLocked(chatID string) {
	if chatID != t.chatID {
		for clientID, p := range t.pending {
			p.timer.Cancel()
			delete(t.pending, clientID)
		}
	}
	t.chatID = chatID
	t.messages = nil
	t.ids = make(map[string]struct{})
}

// Load replaces the timeline with the messages of chatID sorted by createdAt.
// A response that arrives after another Load or Reset is discarded. Pending
// sends of chatID that the response does not confirm are kept.
func (t *Timeline) Load(ctx context.Context, chatID string) error {
	t.mu.Lock()
	t.epoch++
	epoch := t.epoch
	if chatID != t.chatID {
		t.resetLocked(chatID)
	}
	t.mu.Unlock()

	msgs, err := t.api.ListMessages(ctx, chatID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.epoch != epoch || t.chatID != chatID {
		t.logger.Debug().Str("chat_id", chatID).Msg("Discarding stale message list")
		return nil
	}

	var optimistic []Message
	for _, m := range t.messages {
		if m.IsOptimistic {
			optimistic = append(optimistic, m)
		}
	}

	t.messages = make([]Message, 0, len(msgs)+len(optimistic))
	t.ids = make(map[string]struct{}, len(msgs)+len(optimistic))
	confirmed := make(map[string]struct{})
	for _, m := range msgs {
		if _, dup := t.ids[m.ID]; dup {
			continue
		}
		t.ids[m.ID] = struct{}{}
		t.messages = append(t.messages, m.clone())
		if m.ClientID != "" {
			confirmed[m.ClientID] = struct{}{}
		}
	}
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].CreatedAt.Before(t.messages[j].CreatedAt)
	})

	for _, m := range optimistic {
		if _, ok := confirmed[m.ClientID]; ok {
			if p, ok := t.pending[m.ClientID]; ok {
				p.timer.Cancel()
				delete(t.pending, m.ClientID)
				t.metrics.reconcile()
			}
			continue
		}
		t.insertLocked(m)
	}

	t.logger.Debug().Str("chat_id", chatID).Int("count", len(t.messages)).Msg("Timeline loaded")
	return nil
}

// SendOptimistic inserts a pending message from the local user and returns it
// without waiting for the server. The caller emits send-message.
func (t *Timeline) SendOptimistic(content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.chatID == "" {
		return Message{}, ErrNoActiveConversation
	}

	clientID := uuid.NewString()
	now := time.Now()
	m := Message{
		ID:           "local-" + clientID,
		ClientID:     clientID,
		ChatID:       t.chatID,
		SenderID:     t.session.UserID(),
		Content:      content,
		CreatedAt:    now,
		UpdatedAt:    now,
		Read:         false,
		IsOptimistic: true,
		Status:       StatusPending,
	}
	t.insertLocked(m)

	p := &pendingSend{localID: m.ID, chatID: m.ChatID, timer: &Timer{}}
	t.pending[clientID] = p
	t.armLocked(clientID, p)

	return m.clone(), nil
}

// Retry marks a failed or pending send as pending again and restarts its
// timeout. The returned message is re-emitted with the same client id.
func (t *Timeline) Retry(clientID string) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[clientID]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	i := t.indexLocked(p.localID)
	if i < 0 {
		return Message{}, ErrMessageNotFound
	}
	t.messages[i].Status = StatusPending
	t.armLocked(clientID, p)
	return t.messages[i].clone(), nil
}

// MarkFailed flags a pending send as failed immediately.
func (t *Timeline) MarkFailed(clientID string) {
	t.mu.Lock()
	p, ok := t.pending[clientID]
	if ok {
		p.timer.Cancel()
	}
	t.mu.Unlock()
	if ok {
		t.fail(clientID)
	}
}

func (t *Timeline) armLocked(clientID string, p *pendingSend) {
	if t.config.SendTimeout < 0 {
		return
	}
	p.timer.Arm(t.config.SendTimeout, func() { t.fail(clientID) })
}

func (t *Timeline) fail(clientID string) {
	t.mu.Lock()
	p, ok := t.pending[clientID]
	if !ok {
		t.mu.Unlock()
		return
	}
	i := t.indexLocked(p.localID)
	if i < 0 || t.messages[i].Status == StatusFailed {
		t.mu.Unlock()
		return
	}
	t.messages[i].Status = StatusFailed
	m := t.messages[i].clone()
	h := t.onFailed
	t.mu.Unlock()

	t.metrics.sendFailed()
	t.logger.Warn().Str("client_id", clientID).Str("chat_id", m.ChatID).Msg("Message not confirmed")
	if h != nil {
		h(m)
	}
}

// ApplyInbound inserts a confirmed message. Duplicate ids and messages for
// other conversations are ignored. A message echoing the client id of a
// pending send replaces the optimistic entry. It reports whether the timeline
// changed.
func (t *Timeline) ApplyInbound(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ChatID != t.chatID {
		return false
	}
	if _, dup := t.ids[m.ID]; dup {
		t.metrics.duplicate()
		t.logger.Debug().Str("message_id", m.ID).Msg("Ignoring duplicate message")
		return false
	}

	if m.ClientID != "" {
		if p, ok := t.pending[m.ClientID]; ok {
			p.timer.Cancel()
			delete(t.pending, m.ClientID)
			t.removeLocked(p.localID)
			t.metrics.reconcile()
		}
	}

	m = m.clone()
	m.IsOptimistic = false
	m.Status = StatusSent
	t.insertLocked(m)
	return true
}

// ApplyEdit replaces the content of the message with updated.ID, keeping its
// position.
func (t *Timeline) ApplyEdit(updated Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(updated.ID)
	if i < 0 {
		return ErrMessageNotFound
	}
	m := &t.messages[i]
	m.Content = updated.Content
	m.Edited = true
	if !updated.UpdatedAt.IsZero() {
		m.UpdatedAt = updated.UpdatedAt
	}
	if updated.Reactions != nil {
		m.Reactions = append([]Reaction(nil), updated.Reactions...)
	}
	return nil
}

// ApplyDelete removes the message with id.
func (t *Timeline) ApplyDelete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.removeLocked(id) {
		return ErrMessageNotFound
	}
	return nil
}

// ApplyReactions replaces the reaction list of the message with id.
func (t *Timeline) ApplyReactions(id string, reactions []Reaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexLocked(id)
	if i < 0 {
		return ErrMessageNotFound
	}
	t.messages[i].Reactions = append([]Reaction(nil), reactions...)
	return nil
}

// MarkRead sets read on the listed messages and returns how many matched.
func (t *Timeline) MarkRead(ids []string) int {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.messages {
		if _, ok := want[t.messages[i].ID]; ok {
			t.messages[i].Read = true
			n++
		}
	}
	return n
}

// Close stops every pending send timer.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		p.timer.Cancel()
	}
}

// insertLocked places m after every message created at or before it, so ties
// keep arrival order.
func (t *Timeline) insertLocked(m Message) {
	i := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(m.CreatedAt)
	})
	t.messages = append(t.messages, Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = m
	t.ids[m.ID] = struct{}{}
}

func (t *Timeline) removeLocked(id string) bool {
	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	delete(t.ids, id)
	return true
}

func (t *Timeline) indexLocked(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}
