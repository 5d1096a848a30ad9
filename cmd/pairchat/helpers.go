package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	pairchat "github.com/pairchat/pairchat-sdk-go"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Credential store
// ============================================================================

// configStore keeps the session credential in the [auth] section of the
// config file.
type configStore struct {
	cfg *Config
}

func (s *configStore) Get(key string) (string, bool) {
	switch key {
	case pairchat.KeyToken:
		return s.cfg.Auth.Token, s.cfg.Auth.Token != ""
	case pairchat.KeyUserID:
		return s.cfg.Auth.UserID, s.cfg.Auth.UserID != ""
	}
	return "", false
}

func (s *configStore) Set(key, value string) error {
	switch key {
	case pairchat.KeyToken:
		s.cfg.Auth.Token = value
	case pairchat.KeyUserID:
		s.cfg.Auth.UserID = value
	default:
		return fmt.Errorf("unknown credential key %q", key)
	}
	return saveConfig(s.cfg)
}

func (s *configStore) Delete(key string) error {
	return s.Set(key, "")
}

// ============================================================================
// Settings
// ============================================================================

// endpoints resolves the backend URLs. Environment variables win over the
// config file.
func endpoints(cfg *Config) (baseURL, wsURL string) {
	baseURL = firstNonEmpty(os.Getenv("PAIRCHAT_BASE_URL"), cfg.Default.BaseURL, pairchat.DefaultBaseURL)
	wsURL = firstNonEmpty(os.Getenv("PAIRCHAT_WS_URL"), cfg.Default.WSURL, pairchat.WebSocketURL(baseURL))
	return baseURL, wsURL
}

// loadSession restores the session from PAIRCHAT_TOKEN or the config file.
func loadSession(cfg *Config) (*pairchat.Session, error) {
	if token := os.Getenv("PAIRCHAT_TOKEN"); token != "" {
		return pairchat.NewSession(token)
	}
	session, err := pairchat.LoadSession(&configStore{cfg: cfg})
	if err != nil {
		if pairchat.IsAuthentication(err) {
			return nil, fmt.Errorf("%w (run 'pairchat login <token>' first)", err)
		}
		return nil, err
	}
	return session, nil
}

// getAPIClient creates a REST client authenticated with the stored credential.
func getAPIClient() (*pairchat.APIClient, *pairchat.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	session, err := loadSession(cfg)
	if err != nil {
		return nil, nil, err
	}
	baseURL, _ := endpoints(cfg)
	api := pairchat.NewAPIClient(session.Credential(),
		pairchat.WithBaseURL(baseURL),
		pairchat.WithAPILogger(log.Logger),
	)
	return api, session, nil
}

// startClient opens the realtime channel and loads the conversation list.
// The caller must Close the returned client.
func startClient(ctx context.Context, opts ...pairchat.Option) (*pairchat.Client, *pairchat.Conn, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	session, err := loadSession(cfg)
	if err != nil {
		return nil, nil, err
	}
	baseURL, wsURL := endpoints(cfg)

	api := pairchat.NewAPIClient(session.Credential(),
		pairchat.WithBaseURL(baseURL),
		pairchat.WithAPILogger(log.Logger),
	)
	conn := pairchat.NewConn(session, &pairchat.WebSocketDialer{URL: wsURL}, nil,
		pairchat.WithConnLogger(log.Logger),
	)
	client := pairchat.New(session, api, conn,
		append([]pairchat.Option{pairchat.WithLogger(log.Logger)}, opts...)...,
	)
	client.OnNotice(printNotice)

	if err := client.Start(ctx); err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, conn, nil
}

// ============================================================================
// Output
// ============================================================================

func printNotice(n pairchat.Notice) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", n.Level, n.Message)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ago renders t relative to now ("3 minutes ago").
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// maskKey shows the first 12 and last 4 characters of a credential.
func maskKey(key string) string {
	if len(key) <= 16 {
		return key[:min(4, len(key))] + "..."
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
