package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"formpost/internal/clamd"
	"formpost/internal/config"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "writing config file")
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Port)
	require.False(t, cfg.EnableShutdownEndpoint)
	require.Zero(t, cfg.MaxFileSize, "unlimited by default")
	require.Zero(t, cfg.MaxRequestSize)
	require.Zero(t, cfg.MinFileSize)
	require.Zero(t, cfg.MaxParts)
	require.Equal(t, 4, cfg.MaxConcurrentScans)
	require.Equal(t, 60*time.Second, cfg.ScanTimeout)
	require.Equal(t, 30*time.Second, cfg.DrainTimeout)
	require.Equal(t, clamd.DefaultAddress, cfg.ClamdAddress)
	require.Equal(t, 5*time.Second, cfg.ClamdTimeout)
	require.Equal(t, clamd.ModeStream, cfg.ClamdMode)
	require.Equal(t, clamd.DefaultDatabaseDir, cfg.DatabaseDir)
	require.Empty(t, cfg.JournalPath)
	require.False(t, cfg.Quarantine.Enabled())
	require.Equal(t, log.InfoLevel, cfg.LogLevel)
}

func TestFileValues(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "Config.toml", `
port = 9090
enable_shutdown_endpoint = true
max_file_size = "100MB"
max_request_size = "1 GiB"
max_parts = 16
scan_timeout = "2m"
drain_timeout = 10
clamd_address = "tcp://clamav:3310"
clamd_mode = "SCAN"
log_level = "debug"

[quarantine]
endpoint = "minio:9000"
access_key = "ak"
secret_key = "sk"
bucket = "infected"
use_ssl = true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.True(t, cfg.EnableShutdownEndpoint)
	require.Equal(t, int64(100_000_000), cfg.MaxFileSize)
	require.Equal(t, int64(1<<30), cfg.MaxRequestSize)
	require.Equal(t, 16, cfg.MaxParts)
	require.Equal(t, 2*time.Minute, cfg.ScanTimeout)
	require.Equal(t, 10*time.Second, cfg.DrainTimeout, "bare numbers are seconds")
	require.Equal(t, "tcp://clamav:3310", cfg.ClamdAddress)
	require.Equal(t, clamd.ModeScan, cfg.ClamdMode)
	require.Equal(t, log.DebugLevel, cfg.LogLevel)
	require.True(t, cfg.Quarantine.Enabled())
	require.Equal(t, "infected", cfg.Quarantine.Bucket)
	require.True(t, cfg.Quarantine.UseSSL)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "Config.yaml", "port: 9090\nmax_file_size: 1024\n")

	t.Setenv("APP_PORT", "7000")
	t.Setenv("APP_ENABLE_SHUTDOWN_ENDPOINT", "true")
	t.Setenv("APP_MAX_CONCURRENT_SCANS", "8")
	t.Setenv("APP_QUARANTINE_ENDPOINT", "s3.local:9000")
	t.Setenv("APP_SHUTDOWN_USERNAME", "ops")
	t.Setenv("APP_SHUTDOWN_PASSWORD", "pw")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	require.Equal(t, int64(1024), cfg.MaxFileSize, "file value kept when no env override")
	require.True(t, cfg.EnableShutdownEndpoint)
	require.Equal(t, 8, cfg.MaxConcurrentScans)
	require.Equal(t, "s3.local:9000", cfg.Quarantine.Endpoint)
	require.Equal(t, "ops", cfg.ShutdownUsername)
}

func TestInvalidValues(t *testing.T) {
	for name, content := range map[string]string{
		"bad size":         `max_file_size = "lots"`,
		"bad duration":     `scan_timeout = "soon"`,
		"bad port":         `port = 70000`,
		"no scans":         `max_concurrent_scans = 0`,
		"bad mode":         `clamd_mode = "multiscan"`,
		"bad level":        `log_level = "chatty"`,
		"half credentials": `shutdown_username = "ops"`,
		"min over max": `max_file_size = 10
min_file_size = 20`,
	} {
		path := writeConfig(t, "Config.toml", content)
		_, err := config.Load(path)
		require.Error(t, err, name)
	}
}

func TestMissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
