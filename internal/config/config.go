// Package config reads process configuration from CUSTODYLEDGER_* environment
// variables into typed settings for the storage, archive, logging and HTTP
// layers.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"custodyledger/internal/blob"
	"custodyledger/internal/core"
)

// Environment variable names.
const (
	EnvStorageDriver   = "CUSTODYLEDGER_STORAGE_DRIVER"
	EnvSQLitePath      = "CUSTODYLEDGER_SQLITE_PATH"
	EnvPostgresDSN     = "CUSTODYLEDGER_POSTGRES_DSN"
	EnvAdmin           = "CUSTODYLEDGER_ADMIN"
	EnvPrincipal       = "CUSTODYLEDGER_PRINCIPAL"
	EnvPolicy          = "CUSTODYLEDGER_UNINITIALIZED_POLICY"
	EnvLogLevel        = "CUSTODYLEDGER_LOG_LEVEL"
	EnvLogFormat       = "CUSTODYLEDGER_LOG_FORMAT"
	EnvHTTPAddr        = "CUSTODYLEDGER_HTTP_ADDR"
	EnvArchiveDriver   = "CUSTODYLEDGER_ARCHIVE_DRIVER"
	EnvArchiveFSRoot   = "CUSTODYLEDGER_ARCHIVE_FS_ROOT"
	EnvArchiveBucket   = "CUSTODYLEDGER_ARCHIVE_S3_BUCKET"
	EnvArchiveRegion   = "CUSTODYLEDGER_ARCHIVE_S3_REGION"
	EnvArchiveEndpoint = "CUSTODYLEDGER_ARCHIVE_S3_ENDPOINT"
	EnvArchivePath     = "CUSTODYLEDGER_ARCHIVE_S3_PATH_STYLE"
)

const (
	defaultSQLitePath  = "custodyledger.db"
	defaultPostgresDSN = "postgres://localhost/custodyledger?sslmode=disable"
	defaultHTTPAddr    = ":8080"
	defaultArchiveRoot = "./archive"
)

// Config is centralized process configuration.
type Config struct {
	Storage   core.StorageConfig
	Archive   blob.Config
	Policy    core.UninitializedPolicy
	Admin     core.Principal
	Principal core.Principal
	LogLevel  slog.Level
	LogFormat string
	HTTPAddr  string
}

// Load reads the process environment.
func Load() (Config, error) {
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset values.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(name, fallback string) string {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
		return fallback
	}

	driver, err := core.ParseStorageDriver(get(EnvStorageDriver, ""))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", EnvStorageDriver, err)
	}
	policy, err := core.ParseUninitializedPolicy(getenv(EnvPolicy))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", EnvPolicy, err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(get(EnvLogLevel, "info"))); err != nil {
		return Config{}, fmt.Errorf("%s: %w", EnvLogLevel, err)
	}
	format := strings.ToLower(get(EnvLogFormat, "text"))
	if format != "text" && format != "json" {
		return Config{}, fmt.Errorf("%s: unknown log format %q", EnvLogFormat, format)
	}
	archiveDriver := blob.Driver(get(EnvArchiveDriver, string(blob.DriverFilesystem)))
	switch archiveDriver {
	case blob.DriverFilesystem, blob.DriverMemory, blob.DriverS3:
	default:
		return Config{}, fmt.Errorf("%s: unknown archive driver %q", EnvArchiveDriver, archiveDriver)
	}

	cfg := Config{
		Storage: core.StorageConfig{
			Driver:      driver,
			SQLitePath:  get(EnvSQLitePath, defaultSQLitePath),
			PostgresDSN: get(EnvPostgresDSN, defaultPostgresDSN),
		},
		Archive: blob.Config{
			Driver: archiveDriver,
			FSRoot: get(EnvArchiveFSRoot, defaultArchiveRoot),
			S3: blob.S3Config{
				Bucket:    getenv(EnvArchiveBucket),
				Region:    getenv(EnvArchiveRegion),
				Endpoint:  getenv(EnvArchiveEndpoint),
				PathStyle: envBool(getenv(EnvArchivePath), false),
			},
		},
		Policy:    policy,
		Admin:     core.Principal(get(EnvAdmin, "")),
		Principal: core.Principal(get(EnvPrincipal, "")),
		LogLevel:  level,
		LogFormat: format,
		HTTPAddr:  get(EnvHTTPAddr, defaultHTTPAddr),
	}
	if cfg.Archive.Driver == blob.DriverS3 && cfg.Archive.S3.Bucket == "" {
		return Config{}, fmt.Errorf("%s required for s3 archive", EnvArchiveBucket)
	}
	return cfg, nil
}

// NewLogger builds the process logger described by cfg.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func envBool(raw string, fallback bool) bool {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
