package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ConfigureLogging installs the default slog logger from LOG_LEVEL
// (debug|info|warn|error, default info) and LOG_FORMAT (text|json, default
// text), writing to w.
func ConfigureLogging(w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	unknown := ""
	switch raw := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))); raw {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = raw
	}

	format := "text"
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		format = "json"
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	if unknown != "" {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", unknown))
	}
	logger.Debug("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
	return logger
}
