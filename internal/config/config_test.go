package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DATABASE_URL", "")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DefaultDatabaseURL, cfg.Database.URL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 30*time.Minute, cfg.Auth.AdminIdleTimeout)
	assert.Equal(t, 100, cfg.Chat.PageSize)
	assert.Equal(t, 500, cfg.Chat.MaxPageSize)
	assert.Equal(t, 5*time.Minute, cfg.Chat.AdminActiveWindow)
	assert.Equal(t, 3*time.Second, cfg.Chat.PollInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileThenEnv(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "supportdesk.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9000"

[auth]
secret = "from-the-file-0123456789"
token_ttl = "1h"

[chat]
page_size = 50
`), 0600))

	t.Setenv("SUPPORTDESK_AUTH__TOKEN_TTL", "2h")
	t.Setenv("SUPPORTDESK_LOG__LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://other/db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "from-the-file-0123456789", cfg.Auth.Secret)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenTTL, "environment overrides the file")
	assert.Equal(t, 50, cfg.Chat.PageSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres://other/db", cfg.Database.URL)
}

func TestLoadMissingFile(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestInitConfig(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "supportdesk.toml")

	require.NoError(t, InitConfig(path))
	assert.Error(t, InitConfig(path), "refuses to overwrite")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))
}

func TestValidate(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.ErrorContains(t, Validate(cfg), "auth.secret")

	cfg.Auth.Secret = "0123456789abcdef"
	assert.NoError(t, Validate(cfg))

	cfg.Chat.PageSize = 1000
	assert.ErrorContains(t, Validate(cfg), "exceeds")

	cfg.Chat.PageSize = 100
	cfg.RateLimit.RPS = 0
	assert.ErrorContains(t, Validate(cfg), "ratelimit")
}
