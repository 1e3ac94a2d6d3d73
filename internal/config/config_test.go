package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pear/internal/errs"
)

var testKey = strings.Repeat("ab", 32)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvSocket, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, filepath.Join(dir, "pear.sock"), cfg.Socket)
	assert.Equal(t, DefaultSpindown, cfg.Spindown)
	assert.Equal(t, DefaultDeathClock, cfg.DeathClock)
	assert.Equal(t, DefaultLinger, cfg.Linger)
	assert.Equal(t, DefaultUnloadTimeout, cfg.UnloadTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
dir: /somewhere/else
spindown: 5s
linger: 2m
log:
  level: debug
  journal: true
metrics_addr: 127.0.0.1:9464
platform:
  key: `+testKey+`
  length: 12
  fork: 1
aliases:
  keet: `+testKey+`
`)
	t.Setenv(EnvSocket, "/tmp/other.sock")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Dir, "config file must not move the platform dir")
	assert.Equal(t, "/tmp/other.sock", cfg.Socket)
	assert.Equal(t, 5*time.Second, cfg.Spindown)
	assert.Equal(t, 2*time.Minute, cfg.Linger)
	assert.Equal(t, DefaultDeathClock, cfg.DeathClock)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Log.Journal)
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
	assert.Equal(t, uint64(12), cfg.Platform.Version().Length)
	assert.Equal(t, uint64(1), cfg.Platform.Version().Fork)
	assert.Equal(t, testKey, cfg.Aliases["keet"])
}

func TestLoad_PearDirEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDir, dir)
	t.Setenv(EnvSocket, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Dir)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  string
	}{
		{name: "bad yaml", body: "spindown: [oops"},
		{name: "bad alias key", body: "aliases:\n  keet: nothex\n"},
		{name: "bad platform key", body: "platform:\n  key: abc\n"},
		{name: "bad level", body: "log:\n  level: loud\n"},
		{name: "negative duration", body: "spindown: -1s\n"},
		{name: "bad level from env", env: "verbose"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.body != "" {
				writeConfig(t, dir, tt.body)
			}
			t.Setenv(EnvSocket, "")
			t.Setenv(EnvLogLevel, tt.env)

			_, err := Load(dir)
			require.Error(t, err)
			assert.Equal(t, errs.ErrInvalidConfig, errs.CodeOf(err))
		})
	}
}

func TestLayout(t *testing.T) {
	cfg := Default("/p")
	assert.Equal(t, "/p/corestores/platform", cfg.Corestore())
	assert.Equal(t, "/p/app-storage", cfg.AppStorage())
	assert.Equal(t, "/p/platform.db", cfg.StorePath())
	assert.Equal(t, "/p/sidecar.lock", cfg.LockPath())
	assert.Equal(t, "/p/current.json", cfg.UpdatePath())
}
