package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 21327, cfg.Server.Port)
	assert.Equal(t, "auto", cfg.Bluetooth.Pairing)
	assert.Equal(t, 30*time.Second, cfg.Bluetooth.Coordinator.SubscribeTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Status.Enabled)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: 127.0.0.1
  port: 21330
bluetooth:
  pairing: bluez
  coordinator:
    subscribe_timeout: 10s
logging:
  level: debug
  format: json
status:
  enabled: true
  port: 9099
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 21330, cfg.Server.Port)
	assert.Equal(t, "bluez", cfg.Bluetooth.Pairing)
	assert.Equal(t, 10*time.Second, cfg.Bluetooth.Coordinator.SubscribeTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Status.Enabled)
	assert.Equal(t, 9099, cfg.Status.Port)
}

func TestLoadRejectsInvalidPairing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bluetooth:\n  pairing: winrt\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 4242
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, loaded.Server.Port)
}
