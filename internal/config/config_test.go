package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"TURNSTILE_HOST", "TURNSTILE_USERNAME", "TURNSTILE_PASSWORD", "TURNSTILE_TIMEOUT",
	"TURNSTILE_RETRIES", "TURNSTILE_LANG", "BACKUP_DIR", "REPORT_DIR", "TURNSTILE_JOURNAL", "LOG_LEVEL",
}

// clearEnv empties every variable Load reads and restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Device.Host)
	assert.Equal(t, "admin", cfg.Device.Username)
	assert.Equal(t, 10*time.Second, cfg.Device.Timeout)
	assert.Equal(t, 3, cfg.Device.Retries)
	assert.Equal(t, "en", cfg.Device.EventsLang)
	assert.Equal(t, "backups", cfg.Paths.BackupDir)
	assert.Equal(t, "reports", cfg.Paths.ReportDir)

	_, err = cfg.Device.BaseURL()
	require.ErrorIs(t, err, ErrNoHost)
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "turnstile.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"TURNSTILE_HOST=192.168.1.50\n"+
			"TURNSTILE_PASSWORD=from-file\n"+
			"TURNSTILE_TIMEOUT=3s\n"+
			"TURNSTILE_RETRIES=5\n"+
			"BACKUP_DIR=/var/backups/turnstile\n"), 0o644))
	t.Setenv("TURNSTILE_PASSWORD", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Device.Password)
	assert.Equal(t, 3*time.Second, cfg.Device.Timeout)
	assert.Equal(t, 5, cfg.Device.Retries)
	assert.Equal(t, "/var/backups/turnstile", cfg.Paths.BackupDir)

	url, err := cfg.Device.BaseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.50", url)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)

	t.Setenv("TURNSTILE_TIMEOUT", "soon")
	_, err = Load("")
	require.Error(t, err)
}

func TestBaseURL_KeepsScheme(t *testing.T) {
	url, err := DeviceConfig{Host: "https://gate.local/"}.BaseURL()
	require.NoError(t, err)
	assert.Equal(t, "https://gate.local", url)
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	SetupLogging(&buf, "warn", false)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	SetupLogging(&buf, "info", true)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}
