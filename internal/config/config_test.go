package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "doorvoip.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("", []string{"--phone=+1555", "--backend-url=https://domofon.example.com"})
	require.NoError(t, err)

	assert.Equal(t, "+1555", cfg.Phone)
	assert.Equal(t, "https://domofon.example.com", cfg.BackendURL)
	assert.Equal(t, "Android_empty_push_token", cfg.DeviceCode)
	assert.Equal(t, "0.0.0.0", cfg.LocalIP)
	assert.Equal(t, 3600*time.Second, cfg.RefreshInterval)
	assert.Equal(t, ":8090", cfg.StatusBindAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Synchronous)
}

func TestLoadFromFile(t *testing.T) {
	path := writeTmpConfig(t, `
phone: "+1555"
backend_url: "https://domofon.example.com"
device_code: "custom-device"
refresh_interval: 900s
log_level: debug
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "+1555", cfg.Phone)
	assert.Equal(t, "custom-device", cfg.DeviceCode)
	assert.Equal(t, 900*time.Second, cfg.RefreshInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), []string{"--phone=+1555", "--backend-url=https://x"})
	require.NoError(t, err)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeTmpConfig(t, `
phone: "+1555"
backend_url: "https://domofon.example.com"
log_level: debug
`)

	cfg, err := Load(path, []string{"--log-level=warn"})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadRejectsMissingPhone(t *testing.T) {
	_, err := Load("", []string{"--backend-url=https://domofon.example.com"})
	require.Error(t, err)
}

func TestLoadRejectsMissingBackendURL(t *testing.T) {
	_, err := Load("", []string{"--phone=+1555"})
	require.Error(t, err)
}
