package pairchat

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the client core.
type ErrorKind string

const (
	// KindAuthentication: missing or unparseable credential. Fatal to the session.
	KindAuthentication ErrorKind = "authentication"
	// KindNetwork: transport or request failure. State is left intact.
	KindNetwork ErrorKind = "network"
	// KindProtocol: the server answered with a failure flag or a message-error event.
	KindProtocol ErrorKind = "protocol"
	// KindNotFound: the referenced entity is not present locally.
	KindNotFound ErrorKind = "not_found"
	// KindState: the operation is not valid in the current local state.
	KindState ErrorKind = "state"
)

// Error is the error type returned by every operation of the client core.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind and code, so the sentinels below
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

var (
	ErrNotConnected         = &Error{Kind: KindNetwork, Code: "NOT_CONNECTED", Message: "channel is not connected"}
	ErrNoActiveConversation = &Error{Kind: KindState, Code: "NO_ACTIVE_CHAT", Message: "no active conversation"}
	ErrMessageNotFound      = &Error{Kind: KindNotFound, Code: "MESSAGE_NOT_FOUND", Message: "message not found locally"}
	ErrConversationNotFound = &Error{Kind: KindNotFound, Code: "CHAT_NOT_FOUND", Message: "conversation not found locally"}
	ErrInvalidTransition    = &Error{Kind: KindState, Code: "INVALID_TRANSITION", Message: "operation not allowed in current matchmaking state"}
	ErrEmptyMessage         = &Error{Kind: KindState, Code: "EMPTY_MESSAGE", Message: "message content is empty"}
	ErrMissingCredential    = &Error{Kind: KindAuthentication, Code: "MISSING_CREDENTIAL", Message: "no credential present"}
	ErrMalformedCredential  = &Error{Kind: KindAuthentication, Code: "MALFORMED_CREDENTIAL", Message: "credential cannot be resolved to a user"}
)

func newError(kind ErrorKind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

func networkError(msg string, err error) *Error {
	return newError(KindNetwork, "", msg, err)
}

func protocolError(apiErr *APIError, fallback string) *Error {
	if apiErr == nil {
		return newError(KindProtocol, "", fallback, nil)
	}
	msg := apiErr.Message
	if msg == "" {
		msg = fallback
	}
	return newError(KindProtocol, apiErr.Code, msg, nil)
}

func kindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuthentication reports whether err requires the user to sign in again.
func IsAuthentication(err error) bool { return kindOf(err) == KindAuthentication }

// IsNetwork reports whether err is a transient transport failure.
func IsNetwork(err error) bool { return kindOf(err) == KindNetwork }

// IsProtocol reports whether err was reported by the server.
func IsProtocol(err error) bool { return kindOf(err) == KindProtocol }

// IsNotFound reports whether err refers to an entity missing locally.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }
