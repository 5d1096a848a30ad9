package main

import (
	"os"
	"path/filepath"
	"testing"

	pairchat "github.com/pairchat/pairchat-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	t.Setenv("PAIRCHAT_CONFIG", path)
	return path
}

func TestConfig_RoundTrip(t *testing.T) {
	path := useTempConfig(t)

	t.Run("missing file is empty", func(t *testing.T) {
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, &Config{}, cfg)
	})

	t.Run("set then load", func(t *testing.T) {
		require.NoError(t, updateConfig("default.base_url", "https://chat.example.com"))
		require.NoError(t, updateConfig("auth.token", "secret"))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "https://chat.example.com", cfg.Default.BaseURL)
		assert.Equal(t, "secret", cfg.Auth.Token)
	})

	t.Run("unset clears", func(t *testing.T) {
		require.NoError(t, updateConfig("auth.token", ""))
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Empty(t, cfg.Auth.Token)
		assert.Equal(t, "https://chat.example.com", cfg.Default.BaseURL)
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "config.toml", entries[0].Name())
	})
}

func TestConfig_UnknownKeys(t *testing.T) {
	path := useTempConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("[default]\nbase_url = \"http://x\"\napi_key = \"old\"\n"), 0o600))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://x", cfg.Default.BaseURL)

	_, err = configField(cfg, "default.api_key")
	assert.ErrorContains(t, err, "unknown key")
}

func TestConfigStore_Session(t *testing.T) {
	useTempConfig(t)
	token := "eyJhbGciOiJIUzI1NiJ9.eyJpZCI6InUxIn0.sig"

	session, err := pairchat.NewSession(token)
	require.NoError(t, err)

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.NoError(t, session.Save(&configStore{cfg: cfg}))

	reloaded, err := loadConfig()
	require.NoError(t, err)
	loaded, err := pairchat.LoadSession(&configStore{cfg: reloaded})
	require.NoError(t, err)
	assert.Equal(t, "u1", loaded.UserID())

	require.NoError(t, pairchat.ClearSession(&configStore{cfg: reloaded}))
	_, err = pairchat.LoadSession(&configStore{cfg: reloaded})
	assert.Error(t, err)
}
