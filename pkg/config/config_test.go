package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "STORE_BACKEND", "LOCK_WAIT", "PROFILE_FILE"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, 3*time.Second, cfg.LockWait)
	assert.Nil(t, cfg.Profile)
}

func TestLoadBadLockWait(t *testing.T) {
	t.Setenv("LOCK_WAIT", "not-a-duration")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadProfileDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: agency-east\n"), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "agency-east", p.Name)
	assert.Equal(t, "USD", p.DefaultCurrency)
	assert.Equal(t, 20.0, p.RateLimitPerSec)
	assert.Equal(t, 40, p.RateLimitBurst)
}

func TestLoadProfileParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\tnot yaml"), 0o600))

	_, err := LoadProfile(path)
	assert.Error(t, err)
}
