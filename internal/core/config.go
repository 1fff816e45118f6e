package core

import (
	"time"

	"formpost/internal/auth"
	"formpost/internal/engine"
	"formpost/internal/journal"
	"formpost/internal/lifecycle"
	"formpost/internal/metrics"
	"formpost/internal/scan"
	"formpost/internal/upload"

	"github.com/spf13/afero"
)

type Config struct {
	Engine     engine.Engine
	Lifecycle  *lifecycle.Manager
	Metrics    *metrics.Metrics
	Journal    *journal.Journal
	Quarantine scan.Quarantine

	// Authenticator guards the shutdown endpoint when set.
	Authenticator  auth.AuthEngine
	EnableShutdown bool

	Fs      afero.Fs
	TempDir string

	Limits             upload.Limits
	MaxConcurrentScans int
	ScanTimeout        time.Duration
}

type ConfigOption func(*Config)

func WithEngine(e engine.Engine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = e
	}
}

func WithLifecycle(m *lifecycle.Manager) ConfigOption {
	return func(cfg *Config) {
		cfg.Lifecycle = m
	}
}

func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

func WithJournal(j *journal.Journal) ConfigOption {
	return func(cfg *Config) {
		cfg.Journal = j
	}
}

func WithQuarantine(q scan.Quarantine) ConfigOption {
	return func(cfg *Config) {
		cfg.Quarantine = q
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithShutdownEndpoint(enabled bool) ConfigOption {
	return func(cfg *Config) {
		cfg.EnableShutdown = enabled
	}
}

func WithFs(fsys afero.Fs) ConfigOption {
	return func(cfg *Config) {
		cfg.Fs = fsys
	}
}

func WithTempDir(dir string) ConfigOption {
	return func(cfg *Config) {
		cfg.TempDir = dir
	}
}

func WithLimits(limits upload.Limits) ConfigOption {
	return func(cfg *Config) {
		cfg.Limits = limits
	}
}

func WithMaxConcurrentScans(n int) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxConcurrentScans = n
	}
}

func WithScanTimeout(d time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.ScanTimeout = d
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
