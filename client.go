package pairchat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Notices
// ============================================================================

// NoticeLevel is the severity of a user-facing notice.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a user-facing notification. Every failed operation produces one.
type Notice struct {
	Level   NoticeLevel
	Message string
	Err     error
}

// ============================================================================
// Options
// ============================================================================

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithPresenceConfig(cfg PresenceConfig) Option {
	return func(c *Client) { c.presenceCfg = cfg }
}

func WithTimelineConfig(cfg TimelineConfig) Option {
	return func(c *Client) { c.timelineCfg = cfg }
}

func WithMatchConfig(cfg MatchConfig) Option {
	return func(c *Client) { c.matchCfg = cfg }
}

// ============================================================================
// Client
// ============================================================================

const outboxSize = 64

// Client wires the directory, timeline, presence tracker and matchmaker to
// the channel and the REST API. Inbound events are applied in arrival order;
// user intents go through the methods below.
type Client struct {
	session *Session
	api     ChatService
	conn    *Conn
	logger  zerolog.Logger
	metrics *Metrics

	presenceCfg PresenceConfig
	timelineCfg TimelineConfig
	matchCfg    MatchConfig

	directory  *Directory
	timeline   *Timeline
	presence   *Presence
	matchmaker *Matchmaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	outbox chan Message

	mu      sync.Mutex
	subs    []*Subscription
	started bool
	closed  bool

	noticeMu sync.RWMutex
	notices  []func(Notice)
}

// New creates a client for session. conn must be bound to the same session.
func New(session *Session, api ChatService, conn *Conn, opts ...Option) *Client {
	c := &Client{
		session: session,
		api:     api,
		conn:    conn,
		logger:  zerolog.Nop(),
		outbox:  make(chan Message, outboxSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "client").Str("user_id", session.UserID()).Logger()
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.directory = NewDirectory(session, api, c.logger)
	c.timeline = NewTimeline(session, api, &c.timelineCfg, c.metrics, c.logger)
	c.presence = NewPresence(session, &c.presenceCfg, c.sendTyping, c.logger)
	c.matchmaker = NewMatchmaker(session, conn, &c.matchCfg, c.logger)

	c.timeline.OnSendFailed(func(m Message) {
		c.notify(NoticeWarn, "Message could not be delivered", newError(KindNetwork, "SEND_FAILED", "message "+m.ClientID+" not confirmed", nil))
	})

	c.wg.Add(1)
	go c.sendLoop()
	return c
}

// Start subscribes to inbound events, opens the channel and loads the
// conversation list.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	if !c.started {
		c.started = true
		c.subscribeLocked()
	}
	c.mu.Unlock()

	if err := c.conn.Connect(ctx); err != nil {
		return c.fail(err)
	}
	return c.LoadConversations(ctx)
}

func (c *Client) subscribeLocked() {
	bus := c.conn.Bus()
	c.subs = append(c.subs,
		On(bus, EventNewMessage, c.handleNewMessage),
		On(bus, EventTyping, func(p TypingPayload) {
			c.presence.OnInboundTyping(p.ChatID, p.UserID)
		}),
		On(bus, EventReadAll, c.handleReadAll),
		On(bus, EventMatchFound, c.matchmaker.HandleMatchFound),
		On(bus, EventMatchConfirmed, c.handleMatchConfirmed),
		bus.Subscribe(EventMatchRejected, func(string, json.RawMessage) {
			c.notify(NoticeInfo, "Match rejected. Restarting search...", nil)
			if err := c.matchmaker.HandleMatchRejected(); err != nil {
				c.fail(err)
			}
		}),
		bus.Subscribe(EventMessageError, c.handleMessageError),
		c.conn.OnConnected(c.rejoin),
	)
}

// Close unsubscribes every handler, stops all timers and closes the channel
// without flushing queued sends.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	c.cancel()
	c.presence.Stop()
	c.matchmaker.Stop()
	c.timeline.Close()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// OnNotice registers a handler for user-facing notices.
func (c *Client) OnNotice(h func(Notice)) {
	c.noticeMu.Lock()
	c.notices = append(c.notices, h)
	c.noticeMu.Unlock()
}

// OnTypingChange registers a handler run when the partner typing flag flips.
func (c *Client) OnTypingChange(h func(chatID string, typing bool)) {
	c.presence.OnChange(h)
}

// OnMatchChange registers a handler run after every matchmaking transition.
func (c *Client) OnMatchChange(h func(state MatchState, offer *Offer)) {
	c.matchmaker.OnChange(h)
}

// Session returns the client's session.
func (c *Client) Session() *Session { return c.session }

// Bus returns the inbound event bus.
func (c *Client) Bus() *Bus { return c.conn.Bus() }

// Conversations returns the directory in server order.
func (c *Client) Conversations() []Conversation { return c.directory.Conversations() }

// ActiveConversation returns the active conversation.
func (c *Client) ActiveConversation() (Conversation, bool) { return c.directory.Active() }

// Messages returns the timeline of the active conversation.
func (c *Client) Messages() []Message { return c.timeline.Messages() }

// PartnerTyping reports whether the partner of the active conversation is typing.
func (c *Client) PartnerTyping() bool { return c.presence.PartnerTyping() }

// MatchState returns the matchmaking state.
func (c *Client) MatchState() MatchState { return c.matchmaker.State() }

// Offer returns the open match offer, or nil.
func (c *Client) Offer() *Offer { return c.matchmaker.Offer() }

// ============================================================================
// Conversations
// ============================================================================

// LoadConversations fetches the conversation list. When no conversation is
// active the first one is selected.
func (c *Client) LoadConversations(ctx context.Context) error {
	if err := c.directory.Load(ctx); err != nil {
		return c.fail(err)
	}
	if c.directory.ActiveID() != "" {
		return nil
	}
	first, ok := c.directory.First()
	if !ok {
		return nil
	}
	return c.SelectConversation(ctx, first.ID)
}

// SelectConversation activates chatID, loads its timeline, joins its room and
// marks it read.
func (c *Client) SelectConversation(ctx context.Context, chatID string) error {
	if err := c.directory.SetActive(chatID); err != nil {
		return c.fail(err)
	}
	c.presence.SetActive(chatID)
	c.logger.Debug().Str("chat_id", chatID).Msg("Conversation selected")

	loadErr := c.timeline.Load(ctx, chatID)

	if err := c.conn.Emit(EventJoinChat, chatID); err != nil {
		c.fail(err)
	}
	if err := c.conn.Emit(EventReadAll, ReadAllRequest{ChatID: chatID, UserID: c.session.UserID()}); err != nil {
		c.logger.Debug().Err(err).Str("chat_id", chatID).Msg("read-all not sent")
	}

	if loadErr != nil {
		return c.fail(loadErr)
	}
	return nil
}

// ToggleBlock blocks or unblocks the partner of the active conversation and
// returns the new blocked flag.
func (c *Client) ToggleBlock(ctx context.Context) (bool, error) {
	conv, ok := c.directory.Active()
	if !ok {
		return false, c.fail(ErrNoActiveConversation)
	}
	partner, ok := conv.Partner(c.session.UserID())
	if !ok {
		return conv.Blocked, c.fail(newError(KindState, "NO_PARTNER", "conversation has no partner", nil))
	}

	var err error
	if conv.Blocked {
		err = c.api.UnblockUser(ctx, partner.ID)
	} else {
		err = c.api.BlockUser(ctx, partner.ID)
	}
	if err != nil {
		return conv.Blocked, c.fail(err)
	}
	if err := c.directory.SetBlocked(conv.ID, !conv.Blocked); err != nil {
		return conv.Blocked, c.fail(err)
	}
	if conv.Blocked {
		c.notify(NoticeInfo, "User unblocked", nil)
	} else {
		c.notify(NoticeInfo, "User blocked", nil)
	}
	return !conv.Blocked, nil
}

// ToggleArchive archives or unarchives the active conversation and returns
// the new archived flag.
func (c *Client) ToggleArchive(ctx context.Context) (bool, error) {
	conv, ok := c.directory.Active()
	if !ok {
		return false, c.fail(ErrNoActiveConversation)
	}

	var err error
	if conv.Archived {
		err = c.api.UnarchiveChat(ctx, conv.ID)
	} else {
		err = c.api.ArchiveChat(ctx, conv.ID)
	}
	if err != nil {
		return conv.Archived, c.fail(err)
	}
	if err := c.directory.SetArchived(conv.ID, !conv.Archived); err != nil {
		return conv.Archived, c.fail(err)
	}
	if conv.Archived {
		c.notify(NoticeInfo, "Chat unarchived", nil)
	} else {
		c.notify(NoticeInfo, "Chat archived", nil)
	}
	return !conv.Archived, nil
}

// MarkAllRead tells the server the active conversation has been read.
func (c *Client) MarkAllRead() error {
	chatID := c.directory.ActiveID()
	if chatID == "" {
		return c.fail(ErrNoActiveConversation)
	}
	if err := c.conn.Emit(EventReadAll, ReadAllRequest{ChatID: chatID, UserID: c.session.UserID()}); err != nil {
		return c.fail(err)
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage inserts an optimistic message into the active timeline and
// queues it for sending. It does not wait for the network.
func (c *Client) SendMessage(content string) (Message, error) {
	if c.ctx.Err() != nil {
		return Message{}, errConnClosed
	}
	m, err := c.timeline.SendOptimistic(content)
	if err != nil {
		return Message{}, c.fail(err)
	}
	if err := c.enqueue(m); err != nil {
		return m, err
	}
	return m, nil
}

// RetryMessage sends a failed message again with the same client id.
func (c *Client) RetryMessage(clientID string) error {
	if c.ctx.Err() != nil {
		return errConnClosed
	}
	m, err := c.timeline.Retry(clientID)
	if err != nil {
		return c.fail(err)
	}
	return c.enqueue(m)
}

func (c *Client) enqueue(m Message) error {
	select {
	case c.outbox <- m:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	}
}

func (c *Client) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.outbox:
			err := c.conn.Emit(EventSendMessage, SendMessagePayload{
				ChatID:   m.ChatID,
				SenderID: m.SenderID,
				Content:  m.Content,
				ClientID: m.ClientID,
			})
			if err != nil {
				c.logger.Warn().Err(err).Str("client_id", m.ClientID).Msg("send-message not emitted")
				c.timeline.MarkFailed(m.ClientID)
			}
		}
	}
}

// EditMessage changes the content of a message. The timeline is updated only
// after the server accepts the edit.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return c.fail(ErrEmptyMessage)
	}
	local, ok := c.timeline.Get(messageID)
	if !ok {
		return c.fail(ErrMessageNotFound)
	}
	updated, err := c.api.EditMessage(ctx, messageID, content)
	if err != nil {
		return c.fail(err)
	}
	if updated == nil {
		local.Content = content
		updated = &local
	}
	if err := c.timeline.ApplyEdit(*updated); err != nil {
		return c.fail(err)
	}
	return nil
}

// DeleteMessage removes a message once the server accepts the deletion.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if _, ok := c.timeline.Get(messageID); !ok {
		return c.fail(ErrMessageNotFound)
	}
	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		return c.fail(err)
	}
	if err := c.timeline.ApplyDelete(messageID); err != nil {
		return c.fail(err)
	}
	return nil
}

// React adds a reaction to a message once the server accepts it.
func (c *Client) React(ctx context.Context, messageID, symbol string) error {
	local, ok := c.timeline.Get(messageID)
	if !ok {
		return c.fail(ErrMessageNotFound)
	}
	updated, err := c.api.AddReaction(ctx, messageID, symbol)
	if err != nil {
		return c.fail(err)
	}
	reactions := append(local.Reactions, Reaction{UserID: c.session.UserID(), Symbol: symbol})
	if updated != nil && updated.Reactions != nil {
		reactions = updated.Reactions
	}
	if err := c.timeline.ApplyReactions(messageID, reactions); err != nil {
		return c.fail(err)
	}
	return nil
}

// Typing records local input in the active conversation.
func (c *Client) Typing() {
	c.presence.OnLocalInput()
}

func (c *Client) sendTyping(chatID string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.conn.config.WriteTimeout)
	defer cancel()
	if err := c.api.NotifyTyping(ctx, chatID); err != nil {
		c.logger.Debug().Err(err).Str("chat_id", chatID).Msg("Typing notification failed")
	}
	if err := c.conn.Emit(EventTyping, TypingPayload{ChatID: chatID, UserID: c.session.UserID()}); err != nil {
		c.logger.Debug().Err(err).Str("chat_id", chatID).Msg("typing not emitted")
	}
}

// ============================================================================
// Matchmaking
// ============================================================================

func (c *Client) StartSearch() error {
	if err := c.matchmaker.StartSearch(); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Client) CancelSearch() error {
	if err := c.matchmaker.Cancel(); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Client) AcceptMatch() error {
	if err := c.matchmaker.Accept(); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Client) RejectMatch() error {
	if err := c.matchmaker.Reject(); err != nil {
		return c.fail(err)
	}
	return nil
}

// ============================================================================
// Inbound events
// ============================================================================

func (c *Client) handleNewMessage(m Message) {
	if m.ID == "" || m.ChatID == "" {
		c.logger.Warn().Msg("Dropping message without id or chat")
		return
	}
	c.directory.ApplyIncomingMessage(m)
	c.timeline.ApplyInbound(m)
}

func (c *Client) handleReadAll(p ReadAllPayload) {
	if p.ChatID != "" && p.ChatID != c.timeline.ChatID() {
		return
	}
	n := c.timeline.MarkRead(p.MessageIDs)
	c.logger.Debug().Str("chat_id", p.ChatID).Int("marked", n).Msg("Read receipt applied")
}

func (c *Client) handleMessageError(_ string, data json.RawMessage) {
	msg := string(data)
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		msg = s
	} else {
		var apiErr APIError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
	}
	if msg == "" {
		msg = "message error"
	}
	c.notify(NoticeError, msg, newError(KindProtocol, "MESSAGE_ERROR", msg, nil))
}

func (c *Client) handleMatchConfirmed(p MatchConfirmedPayload) {
	if !c.matchmaker.HandleMatchConfirmed(p) {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	// Off the read loop: the REST calls below must not stall inbound events.
	go func() {
		defer c.wg.Done()
		c.openConfirmed(c.ctx, p.ChatID)
	}()
}

func (c *Client) openConfirmed(ctx context.Context, chatID string) {
	if err := c.directory.Load(ctx); err != nil {
		c.fail(err)
	}
	conv, err := c.api.GetChat(ctx, chatID)
	if err != nil {
		c.fail(err)
		return
	}
	c.directory.Upsert(*conv)
	_ = c.SelectConversation(ctx, chatID)
}

func (c *Client) rejoin() {
	chatID := c.directory.ActiveID()
	if chatID == "" {
		return
	}
	if err := c.conn.Emit(EventJoinChat, chatID); err != nil {
		c.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Rejoin failed")
	}
}

// ============================================================================
// Notices
// ============================================================================

// fail converts err into a notice and returns it unchanged.
func (c *Client) fail(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	level := NoticeError
	if IsNetwork(err) {
		level = NoticeWarn
	}
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	c.notify(level, msg, err)
	return err
}

func (c *Client) notify(level NoticeLevel, msg string, err error) {
	ev := c.logger.Info()
	switch level {
	case NoticeWarn:
		ev = c.logger.Warn()
	case NoticeError:
		ev = c.logger.Error()
	}
	ev.Err(err).Msg(msg)

	c.noticeMu.RLock()
	handlers := append([]func(Notice){}, c.notices...)
	c.noticeMu.RUnlock()
	for _, h := range handlers {
		h(Notice{Level: level, Message: msg, Err: err})
	}
}
