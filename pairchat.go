// Package pairchat provides the client core for one-to-one real-time chat.
//
// It keeps a local view of conversations and messages in sync with the chat
// backend over a websocket channel, reconciles optimistically sent messages,
// tracks typing and read receipts, and drives the matchmaking handshake.
//
// Example:
//
//	session, _ := pairchat.NewSession(token)
//	api := pairchat.NewAPIClient(token, pairchat.WithBaseURL("https://chat.example.com"))
//	conn := pairchat.NewConn(session, &pairchat.WebSocketDialer{URL: wsURL}, nil)
//
//	client := pairchat.New(session, api, conn)
//	client.OnNotice(func(n pairchat.Notice) { log.Println(n.Message) })
//	_ = client.Start(ctx)
//	_, _ = client.SendMessage("hi")
package pairchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// ChatService
// ============================================================================

// ChatService is the REST surface of the chat backend.
type ChatService interface {
	ListChats(ctx context.Context) ([]Conversation, error)
	GetChat(ctx context.Context, chatID string) (*Conversation, error)
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	NotifyTyping(ctx context.Context, chatID string) error
	EditMessage(ctx context.Context, messageID, content string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	AddReaction(ctx context.Context, messageID, reaction string) (*Message, error)
	BlockUser(ctx context.Context, userID string) error
	UnblockUser(ctx context.Context, userID string) error
	ArchiveChat(ctx context.Context, chatID string) error
	UnarchiveChat(ctx context.Context, chatID string) error
}

// ============================================================================
// APIClient
// ============================================================================

// APIClient calls the chat backend REST API with a bearer credential.
type APIClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

var _ ChatService = (*APIClient)(nil)

type APIOption func(*APIClient)

func WithBaseURL(u string) APIOption {
	return func(c *APIClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) APIOption {
	return func(c *APIClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) APIOption {
	return func(c *APIClient) { c.httpClient = client }
}

// WithRateLimit throttles outgoing requests to r per second with the given
// burst. Requests wait for a token rather than fail.
func WithRateLimit(r rate.Limit, burst int) APIOption {
	return func(c *APIClient) { c.limiter = rate.NewLimiter(r, burst) }
}

func WithAPILogger(logger zerolog.Logger) APIOption {
	return func(c *APIClient) { c.logger = logger }
}

// NewAPIClient creates a REST client authenticated with token.
func NewAPIClient(token string, opts ...APIOption) *APIClient {
	c := &APIClient{
		token:   strings.TrimPrefix(token, "Bearer "),
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "api").Logger()
	return c
}

// BaseURL returns the configured backend URL.
func (c *APIClient) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *APIClient) doRequest(ctx context.Context, method, path string, body any, query url.Values) (*APIResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, networkError("rate limiter", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, newError(KindState, "ENCODE", "failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, newError(KindState, "REQUEST", "failed to create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError("read response", err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Request completed")

	result, decodeErr := decodeJSON[APIResult](data)

	if resp.StatusCode == http.StatusUnauthorized {
		var apiErr *APIError
		if decodeErr == nil {
			apiErr = result.Error
		}
		e := protocolError(apiErr, "unauthorized")
		e.Kind = KindAuthentication
		return nil, e
	}
	if decodeErr != nil {
		if resp.StatusCode >= 400 {
			return nil, protocolError(nil, fmt.Sprintf("%s %s: HTTP %d", method, path, resp.StatusCode))
		}
		return nil, newError(KindProtocol, "DECODE", "undecodable response", decodeErr)
	}
	if !result.Success || resp.StatusCode >= 400 {
		return nil, protocolError(result.Error, fmt.Sprintf("%s %s failed", method, path))
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeData[T any](res *APIResult) (T, error) {
	var v T
	if err := res.Decode(&v); err != nil {
		return v, newError(KindProtocol, "DECODE", "undecodable response data", err)
	}
	return v, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListChats returns the caller's conversations in server order.
func (c *APIClient) ListChats(ctx context.Context) ([]Conversation, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/chat", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Conversation](res)
}

// GetChat fetches a single conversation.
func (c *APIClient) GetChat(ctx context.Context, chatID string) (*Conversation, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(chatID), nil, nil)
	if err != nil {
		return nil, err
	}
	conv, err := decodeData[Conversation](res)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *APIClient) ArchiveChat(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/api/chat/"+url.PathEscape(chatID)+"/archive", nil, nil)
	return err
}

func (c *APIClient) UnarchiveChat(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/api/chat/"+url.PathEscape(chatID)+"/unarchive", nil, nil)
	return err
}

func (c *APIClient) BlockUser(ctx context.Context, userID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/chat/block/"+url.PathEscape(userID), nil, nil)
	return err
}

func (c *APIClient) UnblockUser(ctx context.Context, userID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/chat/unblock/"+url.PathEscape(userID), nil, nil)
	return err
}

// NotifyTyping tells the backend the caller is typing in chatID.
func (c *APIClient) NotifyTyping(ctx context.Context, chatID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/chat/"+url.PathEscape(chatID)+"/typing", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// ListMessages returns the messages of chatID. Order is not guaranteed.
func (c *APIClient) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(chatID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Message](res)
}

// EditMessage replaces the content of a message and returns the updated copy.
func (c *APIClient) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	res, err := c.doRequest(ctx, http.MethodPut, "/api/chat/messages/"+url.PathEscape(messageID),
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

func (c *APIClient) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/chat/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

// AddReaction reacts to a message and returns the updated copy.
func (c *APIClient) AddReaction(ctx context.Context, messageID, reaction string) (*Message, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/chat/messages/"+url.PathEscape(messageID)+"/reactions",
		map[string]string{"reaction": reaction}, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

// decodeMessage returns nil when the backend answered without a message body.
func decodeMessage(res *APIResult) (*Message, error) {
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return nil, nil
	}
	m, err := decodeData[Message](res)
	if err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, nil
	}
	return &m, nil
}
