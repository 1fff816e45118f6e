// Package config loads the service configuration from an optional Config
// file and APP_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"formpost/internal/clamd"
	"formpost/internal/quarantine"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "APP"
	FileName  = "Config"
)

type Config struct {
	Port int

	EnableShutdownEndpoint bool
	ShutdownUsername       string
	ShutdownPassword       string

	// Size limits in bytes; 0 disables the limit.
	MaxFileSize    int64
	MaxRequestSize int64
	MinFileSize    int64
	MaxParts       int

	MaxConcurrentScans int
	ScanTimeout        time.Duration
	DrainTimeout       time.Duration
	TempDir            string

	ClamdAddress string
	ClamdTimeout time.Duration
	ClamdMode    clamd.Mode
	DatabaseDir  string

	JournalPath string
	Quarantine  quarantine.Config

	LogLevel log.Level
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8000)
	v.SetDefault("enable_shutdown_endpoint", false)
	v.SetDefault("shutdown_username", "")
	v.SetDefault("shutdown_password", "")
	v.SetDefault("max_file_size", "0")
	v.SetDefault("max_request_size", "0")
	v.SetDefault("min_file_size", "0")
	v.SetDefault("max_parts", 0)
	v.SetDefault("max_concurrent_scans", 4)
	v.SetDefault("scan_timeout", "60s")
	v.SetDefault("drain_timeout", "30s")
	v.SetDefault("temp_dir", "")
	v.SetDefault("clamd_address", clamd.DefaultAddress)
	v.SetDefault("clamd_timeout", "5s")
	v.SetDefault("clamd_mode", string(clamd.ModeStream))
	v.SetDefault("database_dir", clamd.DefaultDatabaseDir)
	v.SetDefault("journal_path", "")
	v.SetDefault("quarantine.endpoint", "")
	v.SetDefault("quarantine.access_key", "")
	v.SetDefault("quarantine.secret_key", "")
	v.SetDefault("quarantine.bucket", "quarantine")
	v.SetDefault("quarantine.use_ssl", false)
	v.SetDefault("quarantine.region", "")
	v.SetDefault("log_level", "info")
}

// Load reads file when given, otherwise a Config.* file in the working
// directory if one exists. Environment variables override both.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		slog.Debug("Using config file", "path", used)
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var errs []error
	size := func(key string) int64 {
		n, err := parseSize(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}
	duration := func(key string) time.Duration {
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := &Config{
		Port:                   v.GetInt("port"),
		EnableShutdownEndpoint: v.GetBool("enable_shutdown_endpoint"),
		ShutdownUsername:       v.GetString("shutdown_username"),
		ShutdownPassword:       v.GetString("shutdown_password"),
		MaxFileSize:            size("max_file_size"),
		MaxRequestSize:         size("max_request_size"),
		MinFileSize:            size("min_file_size"),
		MaxParts:               v.GetInt("max_parts"),
		MaxConcurrentScans:     v.GetInt("max_concurrent_scans"),
		ScanTimeout:            duration("scan_timeout"),
		DrainTimeout:           duration("drain_timeout"),
		TempDir:                v.GetString("temp_dir"),
		ClamdAddress:           v.GetString("clamd_address"),
		ClamdTimeout:           duration("clamd_timeout"),
		ClamdMode:              clamd.Mode(strings.ToLower(v.GetString("clamd_mode"))),
		DatabaseDir:            v.GetString("database_dir"),
		JournalPath:            v.GetString("journal_path"),
		Quarantine: quarantine.Config{
			Endpoint:  v.GetString("quarantine.endpoint"),
			AccessKey: v.GetString("quarantine.access_key"),
			SecretKey: v.GetString("quarantine.secret_key"),
			Bucket:    v.GetString("quarantine.bucket"),
			UseSSL:    v.GetBool("quarantine.use_ssl"),
			Region:    v.GetString("quarantine.region"),
		},
	}

	level, err := log.ParseLevel(v.GetString("log_level"))
	if err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	cfg.LogLevel = level

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseSize accepts plain byte counts as well as "100MB" or "1 GiB".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > uint64(1<<63-1) {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}

// parseDuration accepts Go durations ("90s", "2m") or whole seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate checks values that cannot be fixed by a default.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxConcurrentScans < 1 {
		errs = append(errs, errors.New("max_concurrent_scans must be at least 1"))
	}
	if c.MaxParts < 0 {
		errs = append(errs, errors.New("max_parts must not be negative"))
	}
	if c.ScanTimeout <= 0 {
		errs = append(errs, errors.New("scan_timeout must be positive"))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, errors.New("drain_timeout must not be negative"))
	}
	if c.MaxFileSize > 0 && c.MinFileSize > c.MaxFileSize {
		errs = append(errs, errors.New("min_file_size exceeds max_file_size"))
	}
	switch c.ClamdMode {
	case clamd.ModeStream, clamd.ModeScan:
	default:
		errs = append(errs, fmt.Errorf("clamd_mode %q is not instream or scan", c.ClamdMode))
	}
	if (c.ShutdownUsername == "") != (c.ShutdownPassword == "") {
		errs = append(errs, errors.New("shutdown_username and shutdown_password must be set together"))
	}
	if c.Quarantine.Enabled() && c.Quarantine.Bucket == "" {
		errs = append(errs, errors.New("quarantine.bucket must be set when quarantine.endpoint is"))
	}
	return errors.Join(errs...)
}

func limit(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(n))
}

// LogValue renders the configuration for the startup log without secrets.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.Bool("enable_shutdown_endpoint", c.EnableShutdownEndpoint),
		slog.Bool("shutdown_auth", c.ShutdownUsername != ""),
		slog.String("max_file_size", limit(c.MaxFileSize)),
		slog.String("max_request_size", limit(c.MaxRequestSize)),
		slog.String("min_file_size", humanize.IBytes(uint64(max(c.MinFileSize, 0)))),
		slog.Int("max_parts", c.MaxParts),
		slog.Int("max_concurrent_scans", c.MaxConcurrentScans),
		slog.Duration("scan_timeout", c.ScanTimeout),
		slog.Duration("drain_timeout", c.DrainTimeout),
		slog.String("temp_dir", c.TempDir),
		slog.String("clamd_address", c.ClamdAddress),
		slog.String("clamd_mode", string(c.ClamdMode)),
		slog.String("database_dir", c.DatabaseDir),
		slog.String("journal_path", c.JournalPath),
		slog.String("quarantine_endpoint", c.Quarantine.Endpoint),
		slog.String("log_level", c.LogLevel.String()),
	)
}
