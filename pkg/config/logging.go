package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// parseLevel converts a string level into zerolog.Level with a safe default.
func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger builds the client logger. The terminal is owned by the UI, so
// output goes to cfg.LogFile; "-" means stderr. The returned closer releases
// the file.
func NewLogger(cfg *Config) (zerolog.Logger, io.Closer, error) {
	var out io.WriteCloser
	switch cfg.LogFile {
	case "", "-":
		out = nopCloser{os.Stderr}
	default:
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
		}
		out = f
	}
	logger := zerolog.New(out).
		Level(parseLevel(cfg.LogLevel)).
		With().Timestamp().Str("app", "chat-client").Logger()
	return logger, out, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
