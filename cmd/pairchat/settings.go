package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// Config is the persisted CLI state.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

type ConfigDefault struct {
	BaseURL string `toml:"base_url,omitempty"`
	WSURL   string `toml:"ws_url,omitempty"`
}

type ConfigAuth struct {
	Token  string `toml:"token,omitempty"`
	UserID string `toml:"user_id,omitempty"`
}

// configFields maps each settable key to its field.
var configFields = map[string]func(*Config) *string{
	"default.base_url": func(c *Config) *string { return &c.Default.BaseURL },
	"default.ws_url":   func(c *Config) *string { return &c.Default.WSURL },
	"auth.token":       func(c *Config) *string { return &c.Auth.Token },
	"auth.user_id":     func(c *Config) *string { return &c.Auth.UserID },
}

// configKeys lists the settable keys in sorted order.
func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func configField(cfg *Config, key string) (*string, error) {
	field, ok := configFields[key]
	if !ok {
		return nil, fmt.Errorf("unknown key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
	}
	return field(cfg), nil
}

// configPath honours PAIRCHAT_CONFIG, else ~/.pairchat/config.toml.
func configPath() (string, error) {
	if p := os.Getenv("PAIRCHAT_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".pairchat", "config.toml"), nil
}

// loadConfig returns an empty Config when no file exists yet. Unknown keys
// are reported and otherwise ignored.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	err = toml.NewDecoder(f).DisallowUnknownFields().Decode(&cfg)
	var strict *toml.StrictMissingError
	switch {
	case errors.As(err, &strict):
		log.Warn().Str("path", path).Msg("Ignoring unknown config keys:\n" + strict.String())
	case err != nil:
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// saveConfig replaces the file atomically with mode 0600.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
