package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdpharness/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 3000, c.Server.Port)
	assert.True(t, c.Browser.Headless)
	assert.Equal(t, model.Viewport{Width: 1280, Height: 720}, c.Browser.Viewport)
	assert.Equal(t, 30*time.Second, c.NavigationTimeout())
	assert.Equal(t, time.Minute, c.ScenarioTimeout())
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "promptcheck.yaml")
	err := os.WriteFile(path, []byte(`
server:
  enabled: true
  port: 8081
  root: ./site
browser:
  colorScheme: dark
  navigationTimeoutMS: 5000
run:
  isolated: true
`), 0o644)
	require.NoError(t, err)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8081, c.Server.Port)
	assert.Equal(t, "./site", c.Server.Root)
	assert.Equal(t, model.ColorSchemeDark, c.Browser.ColorScheme)
	assert.Equal(t, 5*time.Second, c.SessionOptions().NavigationTimeout)
	assert.True(t, c.Run.Isolated)
	// untouched keys keep defaults
	assert.Equal(t, "verification", c.Run.OutputDir)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"empty root", func(c *Config) { c.Server.Root = "" }},
		{"bad color scheme", func(c *Config) { c.Browser.ColorScheme = "sepia" }},
		{"no server and no base url", func(c *Config) { c.Server.Enabled = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
