package pairchat

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error object carried by a failed REST response.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// UnmarshalJSON accepts both a bare string and an object, since the backend
// reports errors either way.
func (e *APIError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	type alias APIError
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = APIError(a)
	return nil
}

// APIResult is the generic REST response envelope.
type APIResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Domain Types
// ============================================================================

// User is a read-only copy of a backend user.
type User struct {
	ID        string `json:"_id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Online    bool   `json:"online"`
}

// DisplayName returns the first/last name when known, otherwise the username.
func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Username
	}
}

// Reaction is a single reaction on a message.
type Reaction struct {
	UserID string `json:"user"`
	Symbol string `json:"reaction"`
}

// UnmarshalJSON accepts the reacting user as an id or as a populated user.
func (r *Reaction) UnmarshalJSON(data []byte) error {
	type alias Reaction
	aux := struct {
		*alias
		User json.RawMessage `json:"user"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := decodeRef(aux.User)
	if err != nil {
		return fmt.Errorf("reaction user: %w", err)
	}
	r.UserID = id
	return nil
}

// MessageStatus tracks the delivery state of a locally sent message.
type MessageStatus string

const (
	StatusSent    MessageStatus = ""
	StatusPending MessageStatus = "pending"
	StatusFailed  MessageStatus = "failed"
)

// Message is a single chat message.
type Message struct {
	ID           string        `json:"_id"`
	ClientID     string        `json:"clientId,omitempty"`
	ChatID       string        `json:"chat"`
	SenderID     string        `json:"sender"`
	Content      string        `json:"content"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Edited       bool          `json:"edited,omitempty"`
	Read         bool          `json:"read"`
	Reactions    []Reaction    `json:"reactions,omitempty"`
	IsOptimistic bool          `json:"isOptimistic,omitempty"`
	Status       MessageStatus `json:"-"`
}

// UnmarshalJSON accepts the sender as an id or as a populated user, since
// the backend populates it on some routes.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Sender json.RawMessage `json:"sender"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := decodeRef(aux.Sender)
	if err != nil {
		return fmt.Errorf("message sender: %w", err)
	}
	m.SenderID = id
	return nil
}

// decodeRef reads a reference that is either a bare id or an object with _id.
func decodeRef(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var obj struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return obj.ID, nil
}

func (m Message) clone() Message {
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return m
}

// Conversation is a two-participant chat.
type Conversation struct {
	ID           string    `json:"_id"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
	UnreadCount  int       `json:"unreadCount"`
	Archived     bool      `json:"archived"`
	Blocked      bool      `json:"blocked"`
}

// Partner returns the participant that is not selfID.
func (c Conversation) Partner(selfID string) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return User{}, false
}

func (c Conversation) clone() Conversation {
	c.Participants = append([]User(nil), c.Participants...)
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		c.LastMessage = &m
	}
	return c
}

// ============================================================================
// Channel Payload Types
// ============================================================================

// MatchFoundPayload is delivered when the server proposes a partner.
type MatchFoundPayload struct {
	ChatID  string `json:"chatId"`
	Partner User   `json:"partner"`
}

// MatchConfirmedPayload is delivered once both sides accepted.
type MatchConfirmedPayload struct {
	ChatID string `json:"chatId"`
}

// MatchDecisionPayload is sent with accept-match and reject-match.
type MatchDecisionPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// SendMessagePayload is sent with send-message.
type SendMessagePayload struct {
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// TypingPayload is exchanged in both directions on the typing event.
type TypingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// ReadAllPayload is the inbound read receipt.
type ReadAllPayload struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

// ReadAllRequest is the outbound mark-as-read intent.
type ReadAllRequest struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}
