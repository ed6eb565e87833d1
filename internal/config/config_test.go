package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	c := Default()
	require.NoError(t, c.Load(filepath.Join(t.TempDir(), "config.json")))
	assert.Equal(t, Default(), c)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen_port": 9000,
		"max_concurrent_downloads": 2,
		"imgproxy": {"enabled": true, "base_url": "https://proxy.test"}
	}`), 0644))
	t.Setenv("PREFETCH_MAX_CONCURRENT_DOWNLOADS", "6")
	t.Setenv("PREFETCH_IMGPROXY_OVERSAMPLE", "1.5")

	c := Default()
	require.NoError(t, c.Load(path))

	assert.Equal(t, 9000, c.ListenPort)
	assert.Equal(t, 6, c.MaxConcurrentDownloads)
	assert.Equal(t, 1.5, c.ImgProxy.Oversample)
	assert.Equal(t, "https://proxy.test", c.ImgProxy.BaseURL)
	assert.Contains(t, c.Headers, "User-Agent")

	o := c.ManagerOptions()
	assert.Equal(t, 6, o.MaxConcurrentDownloads)
	assert.Equal(t, 30*time.Second, o.RequestTimeout)
	assert.True(t, o.ImgProxyEnabled)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0644))

	c := Default()
	err := c.Load(path)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.ListenPort = 0 }},
		{"backend", func(c *Config) { c.FetchBackend = "ftp" }},
		{"aria2 url", func(c *Config) { c.FetchBackend = BackendAria2; c.Aria2RPCUrl = "" }},
		{"concurrency", func(c *Config) { c.MaxConcurrentDownloads = 0 }},
		{"timeout", func(c *Config) { c.RequestTimeoutMs = -1 }},
		{"imgproxy url", func(c *Config) { c.ImgProxy.Enabled = true }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}
