// Package logging configures log/slog for the server and provides the
// message lifecycle logger.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"unicode"

	"github.com/busybox42/elemta-core/internal/config"
)

var sensitiveFieldKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
	"api_key",
}

// level is shared by every handler built by Setup so it can be changed at
// runtime.
var level = new(slog.LevelVar)

// sanitizeMessage normalizes a log value to a single line and removes
// control characters that could be used for log injection.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sanitizeAttr redacts sensitive keys and flattens string values. Mail
// headers and remote server replies end up in log values, so both matter.
func sanitizeAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, sk := range sensitiveFieldKeys {
		if strings.Contains(key, sk) {
			return slog.String(a.Key, "***REDACTED***")
		}
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, sanitizeMessage(a.Value.String()))
	}
	return a
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + levelStr)
	}
}

// NewLogger builds a text or JSON logger writing to w.
func NewLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	lvl, err := StringToLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level.Set(lvl)

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: sanitizeAttr}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, errors.New("unsupported log format: " + cfg.Format)
	}
	return slog.New(handler), nil
}

// Setup installs the configured logger as the slog default.
func Setup(cfg config.LoggingConfig, w io.Writer) error {
	logger, err := NewLogger(cfg, w)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Info("logging initialized", "log_level", level.Level().String(), "format", cfg.Format)
	return nil
}

// SetLevel changes the level of every logger built by NewLogger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current level.
func Level() slog.Level {
	return level.Level()
}
