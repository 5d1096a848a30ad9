package pairchat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PresenceConfig configures typing detection.
type PresenceConfig struct {
	// Debounce delays the local typing signal until input pauses.
	Debounce time.Duration
	// TypingTimeout clears the partner typing flag when no signal refreshes it.
	TypingTimeout time.Duration
}

func (c *PresenceConfig) defaults() {
	if c.Debounce == 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 3 * time.Second
	}
}

// Presence tracks the local typing debounce and the partner typing flag of
// the active conversation.
type Presence struct {
	session *Session
	config  PresenceConfig
	logger  zerolog.Logger

	debounce Timer
	expiry   Timer

	mu        sync.Mutex
	activeID  string
	typing    bool
	signal    uint64
	notify    func(chatID string)
	onChanged func(chatID string, typing bool)
}

// NewPresence creates a tracker. notify is run with the active conversation
// id whenever the local debounce fires.
func NewPresence(session *Session, config *PresenceConfig, notify func(chatID string), logger zerolog.Logger) *Presence {
	var cfg PresenceConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Presence{
		session: session,
		config:  cfg,
		notify:  notify,
		logger:  logger.With().Str("component", "presence").Logger(),
	}
}

// OnChange sets the handler run when the partner typing flag flips.
func (p *Presence) OnChange(h func(chatID string, typing bool)) {
	p.mu.Lock()
	p.onChanged = h
	p.mu.Unlock()
}

// SetActive switches the tracked conversation and resets both timers.
func (p *Presence) SetActive(chatID string) {
	p.debounce.Cancel()
	p.expiry.Cancel()

	p.mu.Lock()
	prev := p.activeID
	wasTyping := p.typing
	p.activeID = chatID
	p.typing = false
	p.signal++
	h := p.onChanged
	p.mu.Unlock()

	if wasTyping && h != nil {
		h(prev, false)
	}
}

// OnLocalInput records a keystroke. The typing signal fires once input has
// paused for the debounce period.
func (p *Presence) OnLocalInput() {
	p.mu.Lock()
	chatID := p.activeID
	p.mu.Unlock()
	if chatID == "" {
		return
	}

	p.debounce.Arm(p.config.Debounce, func() {
		p.mu.Lock()
		still := p.activeID == chatID
		notify := p.notify
		p.mu.Unlock()
		if still && notify != nil {
			notify(chatID)
		}
	})
}

// OnInboundTyping marks the partner as typing when the signal is for the
// active conversation and from someone other than the local user.
func (p *Presence) OnInboundTyping(chatID, actorID string) {
	if actorID == p.session.UserID() {
		return
	}

	p.mu.Lock()
	if chatID == "" || chatID != p.activeID {
		p.mu.Unlock()
		return
	}
	started := !p.typing
	p.typing = true
	p.signal++
	signal := p.signal
	// Armed under mu so the pending expiry always matches the latest signal.
	p.expiry.Arm(p.config.TypingTimeout, func() { p.expire(chatID, signal) })
	h := p.onChanged
	p.mu.Unlock()

	if started && h != nil {
		h(chatID, true)
	}
}

// expire clears the flag unless a newer signal refreshed it after this
// expiry was armed.
func (p *Presence) expire(chatID string, signal uint64) {
	p.mu.Lock()
	if p.activeID != chatID || !p.typing || p.signal != signal {
		p.mu.Unlock()
		return
	}
	p.typing = false
	h := p.onChanged
	p.mu.Unlock()

	p.logger.Debug().Str("chat_id", chatID).Msg("Partner stopped typing")
	if h != nil {
		h(chatID, false)
	}
}

// PartnerTyping reports whether the partner of the active conversation is
// typing.
func (p *Presence) PartnerTyping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typing
}

// Stop cancels both timers.
func (p *Presence) Stop() {
	p.debounce.Cancel()
	p.expiry.Cancel()
}
