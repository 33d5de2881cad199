package app_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/app"
	"roomcrypt/internal/store"
)

const sampleConfig = `
homeserver: https://matrix.example.org
user_id: "@alice:example.org"
device_id: ALICEDEV
access_token: secret
store:
  backend: sqlite
rotation:
  max_messages: 100
  max_age: 168h
sync:
  long_poll: 30s
  network_timeout: 45s
  backoff:
    initial: 1s
    max: 1m
    multiplier: 2
log:
  level: debug
  format: json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := app.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Dir(path), cfg.Home)
	assert.Equal(t, "https://matrix.example.org", cfg.Homeserver)
	assert.Equal(t, app.BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 100, cfg.Rotation.MaxMessages)
	assert.Equal(t, 7*24*time.Hour, cfg.Rotation.MaxAge)
	assert.Equal(t, 30*time.Second, cfg.Sync.LongPoll)
	assert.Equal(t, time.Minute, cfg.Sync.Backoff.Max)
	assert.Equal(t, 2.0, cfg.Sync.Backoff.Multiplier)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := app.LoadConfig(writeConfig(t, sampleConfig+"colour: blue\n"))
	assert.Error(t, err)
}

func TestValidateRequiresTimings(t *testing.T) {
	cfg := testConfig("https://matrix.example.org", "secret", "@alice:example.org", "ALICEDEV")
	require.NoError(t, cfg.Validate())

	noRotation := cfg
	noRotation.Rotation = app.RotationConfig{}
	assert.Error(t, noRotation.Validate())

	noBackoff := cfg
	noBackoff.Sync.Backoff = app.BackoffConfig{}
	assert.Error(t, noBackoff.Validate())

	badBackend := cfg
	badBackend.Store.Backend = "tape"
	assert.Error(t, badBackend.Validate())

	anonymous := cfg
	anonymous.UserID = ""
	anonymous.DeviceID = ""
	err := anonymous.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id")
	assert.Contains(t, err.Error(), "device_id")
}

func TestOpenBackends(t *testing.T) {
	for _, backend := range []string{app.BackendFile, app.BackendSQLite, app.BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig("https://matrix.example.org", "secret", "@alice:example.org", "ALICEDEV")
			cfg.Home = filepath.Join(t.TempDir(), "home")
			cfg.Store.Backend = backend

			b, err := cfg.OpenBackend()
			require.NoError(t, err)
			defer b.Close()

			require.NoError(t, b.Put(store.Entry{Key: "ping", Value: []byte("ok")}))
			got, ok, err := b.Get("ping")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "ok", string(got))
		})
	}
}
