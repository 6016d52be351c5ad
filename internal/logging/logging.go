// Package logging builds the structured logger used by ckptrecover.
// The command takes no flags, so format and level come from the environment.
package logging

import (
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvLevel  = "CKPTRECOVER_LOG_LEVEL"
	EnvFormat = "CKPTRECOVER_LOG_FORMAT"
)

// Log formats.
const (
	FormatJSON = "json" // One JSON object per record
	FormatText = "text" // logfmt-style key=value pairs
)

// Log levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn" // Default; storage fallbacks log here
	LevelError = "error"
)

var (
	formats = []string{FormatText, FormatJSON}
	levels  = []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
)

// Config selects the logger output.
type Config struct {
	Level  string
	Format string
}

// DefaultConfig returns warn-level text logging.
func DefaultConfig() Config {
	return Config{Level: LevelWarn, Format: FormatText}
}

// Validate checks that Level and Format are known values.
func (c Config) Validate() error {
	if !slices.Contains(levels, c.Level) {
		return errors.Errorf("invalid log level %q, want one of %s", c.Level, strings.Join(levels, ", "))
	}
	if !slices.Contains(formats, c.Format) {
		return errors.Errorf("invalid log format %q, want one of %s", c.Format, strings.Join(formats, ", "))
	}
	return nil
}

// ConfigFromEnv overlays EnvLevel and EnvFormat on DefaultConfig. Values are
// case-insensitive; empty values are ignored.
func ConfigFromEnv(lookup func(string) (string, bool)) Config {
	cfg := DefaultConfig()
	if v, ok := lookup(EnvLevel); ok && v != "" {
		cfg.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvFormat); ok && v != "" {
		cfg.Format = strings.ToLower(strings.TrimSpace(v))
	}
	return cfg
}

// New returns a logger writing to w.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

func level(s string) slog.Level {
	switch s {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
