package pairchat

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MatchState is the state of the matchmaking handshake.
type MatchState string

const (
	MatchIdle      MatchState = "idle"
	MatchSearching MatchState = "searching"
	MatchOffered   MatchState = "offered"
	MatchAwaiting  MatchState = "awaiting"
	MatchConfirmed MatchState = "confirmed"
)

// MatchConfig configures the matchmaker.
type MatchConfig struct {
	// OfferTimeout rejects an unanswered offer after the given time. Zero
	// leaves offers open until the user decides.
	OfferTimeout time.Duration
}

// Offer is a proposed partner awaiting the local user's decision.
type Offer struct {
	ChatID  string
	Partner User
}

// DisplayName returns the partner's name masked for display before
// acceptance. First and last names are masked separately.
func (o Offer) DisplayName() string {
	first := o.Partner.FirstName
	if first == "" {
		first = o.Partner.Username
	}
	if o.Partner.LastName == "" {
		return MaskName(first)
	}
	return MaskName(first) + " " + MaskName(o.Partner.LastName)
}

// MaskName keeps the first and last character of name and stars the rest.
func MaskName(name string) string {
	r := []rune(name)
	if len(r) <= 2 {
		return name
	}
	return string(r[0]) + strings.Repeat("*", len(r)-2) + string(r[len(r)-1])
}

// Emitter sends outbound channel events. *Conn implements it.
type Emitter interface {
	Emit(event string, payload any) error
}

// Matchmaker drives the pairing handshake:
// idle -> searching -> offered -> awaiting -> confirmed.
type Matchmaker struct {
	session *Session
	emitter Emitter
	config  MatchConfig
	logger  zerolog.Logger

	offerTimer Timer

	mu        sync.Mutex
	state     MatchState
	offer     *Offer
	pendingID string
	onChanged func(MatchState, *Offer)
}

// NewMatchmaker creates an idle matchmaker.
func NewMatchmaker(session *Session, emitter Emitter, config *MatchConfig, logger zerolog.Logger) *Matchmaker {
	var cfg MatchConfig
	if config != nil {
		cfg = *config
	}
	return &Matchmaker{
		session: session,
		emitter: emitter,
		config:  cfg,
		state:   MatchIdle,
		logger:  logger.With().Str("component", "matchmaker").Logger(),
	}
}

// OnChange sets the handler run after every state transition.
func (m *Matchmaker) OnChange(h func(state MatchState, offer *Offer)) {
	m.mu.Lock()
	m.onChanged = h
	m.mu.Unlock()
}

// State returns the current state.
func (m *Matchmaker) State() MatchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Offer returns the open offer, or nil.
func (m *Matchmaker) Offer() *Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offer == nil {
		return nil
	}
	o := *m.offer
	return &o
}

// StartSearch asks the server for a partner.
func (m *Matchmaker) StartSearch() error {
	m.mu.Lock()
	if m.state != MatchIdle && m.state != MatchConfirmed {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	if err := m.emitter.Emit(EventStartSearch, m.session.UserID()); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = MatchSearching
	m.pendingID = ""
	m.mu.Unlock()

	m.logger.Info().Msg("Searching for a partner")
	m.changed()
	return nil
}

// Cancel stops searching and drops any open offer.
func (m *Matchmaker) Cancel() error {
	m.mu.Lock()
	if m.state != MatchSearching && m.state != MatchOffered {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.offerTimer.Cancel()
	m.offer = nil
	m.state = MatchIdle
	err := m.emitter.Emit(EventEndSearch, m.session.UserID())
	m.mu.Unlock()

	m.changed()
	return err
}

// Accept accepts the open offer and waits for confirmation.
func (m *Matchmaker) Accept() error {
	m.mu.Lock()
	if m.state != MatchOffered || m.offer == nil {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	chatID := m.offer.ChatID
	if err := m.emitter.Emit(EventAcceptMatch, MatchDecisionPayload{ChatID: chatID, UserID: m.session.UserID()}); err != nil {
		m.mu.Unlock()
		return err
	}
	m.offerTimer.Cancel()
	m.offer = nil
	m.pendingID = chatID
	m.state = MatchAwaiting
	m.mu.Unlock()

	m.logger.Info().Str("chat_id", chatID).Msg("Match accepted")
	m.changed()
	return nil
}

// Reject declines the open offer. The offer is cleared even when the emit
// fails.
func (m *Matchmaker) Reject() error {
	m.mu.Lock()
	if m.state != MatchOffered || m.offer == nil {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	err := m.rejectLocked()
	m.mu.Unlock()

	m.changed()
	return err
}

func (m *Matchmaker) rejectLocked() error {
	chatID := m.offer.ChatID
	m.offerTimer.Cancel()
	m.offer = nil
	m.state = MatchIdle
	m.logger.Info().Str("chat_id", chatID).Msg("Match rejected")
	return m.emitter.Emit(EventRejectMatch, MatchDecisionPayload{ChatID: chatID, UserID: m.session.UserID()})
}

// HandleMatchFound opens an offer. Offers arriving while another one is open
// or accepted are ignored.
func (m *Matchmaker) HandleMatchFound(p MatchFoundPayload) {
	m.mu.Lock()
	if state := m.state; state == MatchOffered || state == MatchAwaiting {
		m.mu.Unlock()
		m.logger.Warn().Str("chat_id", p.ChatID).Str("state", string(state)).Msg("Ignoring match offer")
		return
	}
	m.offer = &Offer{ChatID: p.ChatID, Partner: p.Partner}
	m.state = MatchOffered
	if m.config.OfferTimeout > 0 {
		chatID := p.ChatID
		m.offerTimer.Arm(m.config.OfferTimeout, func() { m.expireOffer(chatID) })
	}
	m.mu.Unlock()

	m.logger.Info().Str("chat_id", p.ChatID).Msg("Match offered")
	m.changed()
}

func (m *Matchmaker) expireOffer(chatID string) {
	m.mu.Lock()
	if m.state != MatchOffered || m.offer == nil || m.offer.ChatID != chatID {
		m.mu.Unlock()
		return
	}
	err := m.rejectLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to reject expired offer")
	}
	m.changed()
}

// HandleMatchRejected drops any offer and searches again.
func (m *Matchmaker) HandleMatchRejected() error {
	m.mu.Lock()
	if m.state == MatchConfirmed {
		m.mu.Unlock()
		return nil
	}
	m.offerTimer.Cancel()
	m.offer = nil
	m.pendingID = ""
	m.state = MatchSearching
	err := m.emitter.Emit(EventStartSearch, m.session.UserID())
	m.mu.Unlock()

	m.logger.Info().Msg("Match rejected by partner, searching again")
	m.changed()
	return err
}

// HandleMatchConfirmed completes the handshake. It reports whether the
// confirmation was taken; a confirmation while idle is ignored.
func (m *Matchmaker) HandleMatchConfirmed(p MatchConfirmedPayload) bool {
	m.mu.Lock()
	if m.state == MatchIdle {
		m.mu.Unlock()
		m.logger.Warn().Str("chat_id", p.ChatID).Msg("Ignoring confirmation while idle")
		return false
	}
	if m.pendingID != "" && m.pendingID != p.ChatID {
		m.logger.Warn().Str("chat_id", p.ChatID).Str("accepted", m.pendingID).Msg("Confirmation for a different chat")
	}
	m.offerTimer.Cancel()
	m.offer = nil
	m.pendingID = ""
	m.state = MatchConfirmed
	m.mu.Unlock()

	m.logger.Info().Str("chat_id", p.ChatID).Msg("Match confirmed")
	m.changed()
	return true
}

// Stop cancels the offer timer.
func (m *Matchmaker) Stop() {
	m.offerTimer.Cancel()
}

func (m *Matchmaker) changed() {
	m.mu.Lock()
	h := m.onChanged
	state := m.state
	var offer *Offer
	if m.offer != nil {
		o := *m.offer
		offer = &o
	}
	m.mu.Unlock()
	if h != nil {
		h(state, offer)
	}
}
