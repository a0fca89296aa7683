// Package config reads bulkload.yaml. A configuration is resolved once per session and handed
// to constructors by value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/backup"
	"git.tcp.direct/tcp.direct/bulkload/dispatch"
)

// FileName is looked for in the working directory when no config path is given.
const FileName = "bulkload.yaml"

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Import   ImportConfig   `yaml:"import"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Path   string `yaml:"path"`
	Engine string `yaml:"engine"`
	// Capacity of each record file in bytes, 0 for unlimited. Only used when creating.
	Capacity int64 `yaml:"capacity"`
}

type ImportConfig struct {
	Backup         bool          `yaml:"backup"`
	ChunkSize      int           `yaml:"chunk_size"`
	MultiPhase     bool          `yaml:"multi_phase"`
	EnlargePercent int           `yaml:"enlarge_percent"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	// WorkerExecutable defaults to the running binary.
	WorkerExecutable string `yaml:"worker_executable"`
	// MetricsFile, if set, receives the process metrics in the Prometheus text format once
	// the import is done, for node_exporter's textfile collector.
	MetricsFile string `yaml:"metrics_file"`
}

// Worker is the part of c that picks a worker variant.
func (c ImportConfig) Worker() dispatch.Config {
	return dispatch.Config{ChunkSize: c.ChunkSize, MultiPhase: c.MultiPhase}
}

type ArchiveConfig struct {
	Codec       string `yaml:"codec"`
	Parallelism int    `yaml:"parallelism"`
}

// Manager builds the archive manager c describes.
func (c ArchiveConfig) Manager(log zerolog.Logger) (*backup.Manager, error) {
	codec, err := backup.ParseCodec(c.Codec)
	if err != nil {
		return nil, err
	}
	return backup.NewManager(
		backup.WithCodec(codec),
		backup.WithParallelism(c.Parallelism),
		backup.WithLogger(log),
	), nil
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// Logger builds the root logger writing to w.
func (c LogConfig) Logger(w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("%w: %w", bulkload.ErrConfiguration, err)
	}
	if strings.EqualFold(c.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Engine: "bitcask",
		},
		Import: ImportConfig{
			Backup:         true,
			EnlargePercent: 20,
			PollInterval:   250 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			Codec: string(backup.CodecZstd),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over [Defaults] and validates the result. An empty path reads FileName if it
// exists and falls back to the defaults otherwise.
func Load(path string) (Config, error) {
	cfg := Defaults()
	explicit := path != ""
	if !explicit {
		path = FileName
	}
	dat, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return cfg, cfg.Validate()
	case err != nil:
		return cfg, fmt.Errorf("error reading config: %w", err)
	}
	if err = Parse(dat, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML over whatever cfg already holds. Unknown keys are rejected.
func Parse(dat []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(dat))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", bulkload.ErrConfiguration, err)
	}
	return nil
}

// ValidationError names the offending key.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate returns every problem with c at once, wrapped in [bulkload.ErrConfiguration].
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Database.Engine == "" {
		bad("database.engine", "engine type is required")
	}
	if c.Database.Capacity < 0 {
		bad("database.capacity", "must not be negative, got %d", c.Database.Capacity)
	}

	if c.Import.ChunkSize < 0 {
		bad("import.chunk_size", "must not be negative, got %d", c.Import.ChunkSize)
	}
	if c.Import.EnlargePercent <= 0 || c.Import.EnlargePercent > 1000 {
		bad("import.enlarge_percent", "must be between 1 and 1000, got %d", c.Import.EnlargePercent)
	}
	if c.Import.PollInterval <= 0 {
		bad("import.poll_interval", "must be positive, got %s", c.Import.PollInterval)
	}

	if _, err := backup.ParseCodec(c.Archive.Codec); err != nil {
		bad("archive.codec", "unknown codec %q", c.Archive.Codec)
	}
	if c.Archive.Parallelism < 0 {
		bad("archive.parallelism", "must not be negative, got %d", c.Archive.Parallelism)
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		bad("log.level", "unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		bad("log.format", "must be console or json, got %q", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", bulkload.ErrConfiguration, errors.Join(errs...))
}
