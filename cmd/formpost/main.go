package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"formpost/internal/auth"
	"formpost/internal/clamd"
	"formpost/internal/config"
	"formpost/internal/core"
	"formpost/internal/journal"
	"formpost/internal/quarantine"
	"formpost/internal/upload"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 10 * time.Second

func setupLogging(level log.Level) {
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))
}

func newEngine(cfg *config.Config) (*clamd.Client, error) {
	return clamd.New(cfg.ClamdAddress,
		clamd.WithTimeout(cfg.ClamdTimeout),
		clamd.WithMode(cfg.ClamdMode),
		clamd.WithDatabaseDir(cfg.DatabaseDir),
	)
}

func Run(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting formpost", "version", version, "config", cfg)

	engine, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to create clamd client: %w", err)
	}

	if info, err := engine.Info(ctx); err != nil {
		slog.Warn("clamd is not reachable yet", "address", engine.Address(), "err", err)
	} else {
		slog.Info("Connected to clamd",
			"version", info.Version,
			"db_version", info.DBVersion,
			"db_signatures", info.DBSignatures,
			"db_date", info.DBDate.Format(time.RFC3339),
		)
	}

	opts := []core.ConfigOption{
		core.WithEngine(engine),
		core.WithTempDir(cfg.TempDir),
		core.WithLimits(upload.Limits{
			MaxParts:       cfg.MaxParts,
			MaxPartSize:    cfg.MaxFileSize,
			MaxRequestSize: cfg.MaxRequestSize,
			MinPartSize:    cfg.MinFileSize,
		}),
		core.WithMaxConcurrentScans(cfg.MaxConcurrentScans),
		core.WithScanTimeout(cfg.ScanTimeout),
		core.WithShutdownEndpoint(cfg.EnableShutdownEndpoint),
	}

	if cfg.ShutdownUsername != "" {
		opts = append(opts, core.WithAuthEngine(auth.NewBasicAuthEngine(cfg.ShutdownUsername, cfg.ShutdownPassword)))
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(ctx, cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open scan journal: %w", err)
		}
		defer j.Close()
		opts = append(opts, core.WithJournal(j))
	}

	if cfg.Quarantine.Enabled() {
		sink, err := quarantine.New(cfg.Quarantine)
		if err != nil {
			return fmt.Errorf("failed to create quarantine client: %w", err)
		}
		if err := sink.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to prepare quarantine bucket: %w", err)
		}
		opts = append(opts, core.WithQuarantine(sink))
	}

	server, err := core.NewServer(core.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	lc := server.Config.Lifecycle

	// No read or write timeout: uploads and scans may legitimately take long.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		select {
		case <-egCtx.Done():
		case <-lc.Draining():
		}

		lc.Drain()
		slog.Info("Draining uploads", "in_flight", lc.InFlight(), "timeout", cfg.DrainTimeout)

		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DrainTimeout)
		defer cancel()
		if err := lc.Wait(drainCtx); err != nil {
			slog.Warn("Drain timed out, abandoning uploads", "in_flight", lc.InFlight())
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting formpost HTTP server", "port", cfg.Port, "temp_dir", server.TempDir())
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	slog.Info("formpost stopped")
	return nil
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "formpost",
		Short:         "Scan uploaded files with ClamAV",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./Config.{toml,yaml,json})")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the formpost and clamd versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "formpost %s\n", version)

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			engine, err := newEngine(cfg)
			if err != nil {
				return err
			}
			info, err := engine.Info(cmd.Context())
			if err != nil {
				return fmt.Errorf("query clamd at %s: %w", engine.Address(), err)
			}
			fmt.Fprintf(out, "ClamAV %s/%d/%d (%s)\n", info.Version, info.DBVersion, info.DBSignatures, info.DBDate.Format(time.RFC3339))
			return nil
		},
	})

	root.AddCommand(newQuarantineCommand(&configFile))

	return root
}

func newQuarantineCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect the quarantine bucket",
	}

	var prefix string
	list := &cobra.Command{
		Use:   "list",
		Short: "List quarantined files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if !cfg.Quarantine.Enabled() {
				return errors.New("quarantine.endpoint is not configured")
			}

			sink, err := quarantine.New(cfg.Quarantine)
			if err != nil {
				return err
			}
			objects, err := sink.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, obj := range objects {
				fmt.Fprintf(out, "%s\t%s\t%s\n", obj.LastModified.UTC().Format(time.RFC3339), humanize.IBytes(uint64(obj.Size)), obj.Key)
			}
			return nil
		},
	}
	list.Flags().StringVar(&prefix, "prefix", "", "only list keys starting with prefix, e.g. 2024/10/")
	cmd.AddCommand(list)

	return cmd
}

func main() {
	setupLogging(log.InfoLevel)

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("formpost exited with error", "error", err)
		os.Exit(1)
	}
}
