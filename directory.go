package pairchat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Directory is the local list of the user's conversations and the pointer to
// the active one. It keeps the server's order.
type Directory struct {
	session *Session
	api     ChatService
	logger  zerolog.Logger

	mu       sync.RWMutex
	convs    []Conversation
	activeID string
}

// NewDirectory creates an empty directory for session.
func NewDirectory(session *Session, api ChatService, logger zerolog.Logger) *Directory {
	return &Directory{
		session: session,
		api:     api,
		logger:  logger.With().Str("component", "directory").Logger(),
	}
}

// Load fetches the conversation list and replaces the local copy. The active
// pointer survives when the conversation is still listed.
func (d *Directory) Load(ctx context.Context) error {
	convs, err := d.api.ListChats(ctx)
	if err != nil {
		return err
	}
	d.Replace(convs)
	return nil
}

// Replace swaps in convs as the local conversation list.
func (d *Directory) Replace(convs []Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.convs = make([]Conversation, 0, len(convs))
	for _, c := range convs {
		d.convs = append(d.convs, c.clone())
	}
	if d.activeID != "" && d.indexLocked(d.activeID) < 0 {
		d.logger.Debug().Str("chat_id", d.activeID).Msg("Active conversation no longer listed")
		d.activeID = ""
	}
	d.logger.Debug().Int("count", len(d.convs)).Msg("Conversations loaded")
}

// Upsert replaces the conversation with the same id or adds it at the top.
func (d *Directory) Upsert(conv Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i := d.indexLocked(conv.ID); i >= 0 {
		d.convs[i] = conv.clone()
		return
	}
	d.convs = append([]Conversation{conv.clone()}, d.convs...)
}

// Conversations returns a copy of the list in server order.
func (d *Directory) Conversations() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Conversation, len(d.convs))
	for i, c := range d.convs {
		out[i] = c.clone()
	}
	return out
}

// Get returns a copy of the conversation with id.
func (d *Directory) Get(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if i := d.indexLocked(id); i >= 0 {
		return d.convs[i].clone(), true
	}
	return Conversation{}, false
}

// First returns the first listed conversation.
func (d *Directory) First() (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.convs) == 0 {
		return Conversation{}, false
	}
	return d.convs[0].clone(), true
}

// ActiveID returns the id of the active conversation, or "".
func (d *Directory) ActiveID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeID
}

// Active returns the active conversation.
func (d *Directory) Active() (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.activeID == "" {
		return Conversation{}, false
	}
	if i := d.indexLocked(d.activeID); i >= 0 {
		return d.convs[i].clone(), true
	}
	return Conversation{}, false
}

// SetActive makes id the active conversation and clears its unread count.
func (d *Directory) SetActive(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(id)
	if i < 0 {
		return ErrConversationNotFound
	}
	d.activeID = id
	d.convs[i].UnreadCount = 0
	return nil
}

// ApplyIncomingMessage updates lastMessage and updatedAt of the conversation
// m belongs to, active or not. A partner message for an inactive conversation
// counts as unread. Messages for unknown conversations are dropped and false
// is returned.
func (d *Directory) ApplyIncomingMessage(m Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(m.ChatID)
	if i < 0 {
		d.logger.Debug().Str("chat_id", m.ChatID).Str("message_id", m.ID).Msg("Dropping message for unknown conversation")
		return false
	}

	conv := &d.convs[i]
	last := m.clone()
	conv.LastMessage = &last
	if m.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = m.CreatedAt
	}
	if conv.ID != d.activeID && m.SenderID != d.session.UserID() {
		conv.UnreadCount++
	}
	return true
}

// SetArchived records the archive flag of id.
func (d *Directory) SetArchived(id string, archived bool) error {
	return d.update(id, func(c *Conversation) { c.Archived = archived })
}

// SetBlocked records the block flag of id.
func (d *Directory) SetBlocked(id string, blocked bool) error {
	return d.update(id, func(c *Conversation) { c.Blocked = blocked })
}

func (d *Directory) update(id string, fn func(*Conversation)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(id)
	if i < 0 {
		return ErrConversationNotFound
	}
	fn(&d.convs[i])
	return nil
}

func (d *Directory) indexLocked(id string) int {
	for i := range d.convs {
		if d.convs[i].ID == id {
			return i
		}
	}
	return -1
}
