// Package logging builds the process-wide zerolog root logger from config.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"terapia/internal/config"

	"github.com/rs/zerolog"
)

// New builds the root logger. Every line carries the app identity fields so
// lines from several replicas stay attributable after aggregation. The
// returned closer is non-nil only for file output.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	sink, closer, err := openSink(cfg)
	if err != nil {
		return nil, nil, err
	}
	if normalize(cfg.Format) == "console" {
		sink = zerolog.ConsoleWriter{Out: sink, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(sink).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("app", app.Name).
		Str("env", app.Environment).
		Str("version", app.Version).
		Logger()

	return &logger, closer, nil
}

// openSink resolves the configured output. Unrecognized values fall back to
// stdout rather than failing startup.
func openSink(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch normalize(cfg.Output) {
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("logging.output=file requires logging.file_path")
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return file, file, nil
	default:
		return os.Stdout, nil, nil
	}
}

// parseLevel maps the configured level name to a zerolog level. Empty and
// unknown names mean info; a typo in config should not silence the process.
func parseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(normalize(name))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
