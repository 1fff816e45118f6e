// Package core wires the upload pipeline into an HTTP server.
package core

import (
	"errors"

	"formpost/internal/lifecycle"
	"formpost/internal/metrics"
	"formpost/internal/scan"
	"formpost/internal/storage"
	"formpost/internal/upload"

	"github.com/spf13/afero"
)

const recentScans = 20

// Server accepts multipart uploads and answers with scan verdicts.
type Server struct {
	Config Config

	receiver   *upload.Receiver
	writer     *storage.Writer
	dispatcher *scan.Dispatcher
}

// NewServer fills in defaults for everything but the engine.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("scan engine must not be nil")
	}

	if cfg.Lifecycle == nil {
		cfg.Lifecycle = lifecycle.New()
	}

	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}

	if cfg.MaxConcurrentScans <= 0 {
		cfg.MaxConcurrentScans = scan.DefaultMaxConcurrent
	}

	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = scan.DefaultTimeout
	}

	if cfg.Metrics == nil {
		m := cfg.Lifecycle
		cfg.Metrics = metrics.New(func() float64 { return float64(m.InFlight()) })
	}

	opts := []scan.DispatcherOption{
		scan.WithTimeout(cfg.ScanTimeout),
		scan.WithMetrics(cfg.Metrics),
	}
	if cfg.Quarantine != nil {
		opts = append(opts, scan.WithQuarantine(cfg.Quarantine))
	}

	return &Server{
		Config:     cfg,
		receiver:   upload.NewReceiver(cfg.Limits),
		writer:     storage.NewWriter(cfg.Fs, cfg.TempDir),
		dispatcher: scan.NewDispatcher(cfg.Engine, cfg.MaxConcurrentScans, opts...),
	}, nil
}

// TempDir returns the directory uploads are spooled to.
func (s *Server) TempDir() string {
	return s.writer.Dir
}
