package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, TransportSSE, cfg.Server.Transport)
	assert.Equal(t, BusMemory, cfg.Bus.Driver)
	assert.NotEmpty(t, cfg.Logging.Dir)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.BaseURL, cfg.Server.BaseURL)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  base_url: https://agents.example.com
  transport: ws
  timeout: 45s
session:
  skip_approvals: true
bus:
  driver: nats
  url: nats://127.0.0.1:4222
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://agents.example.com", cfg.Server.BaseURL)
	assert.Equal(t, TransportWebSocket, cfg.Server.Transport)
	assert.Equal(t, 45*time.Second, cfg.Server.Timeout)
	assert.True(t, cfg.Session.SkipApprovals)
	assert.Equal(t, BusNATS, cfg.Bus.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, Default().Metrics.Addr, cfg.Metrics.Addr)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.BaseURL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Bus.Driver = BusNATS
	cfg.Bus.URL = ""
	assert.Error(t, cfg.Validate())
	cfg.Bus.URL = "nats://localhost:4222"
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.Server.BaseURL = "http://10.0.0.5:8711"
	require.NoError(t, cfg.Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.BaseURL, back.Server.BaseURL)
}
