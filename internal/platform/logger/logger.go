package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"

	"github.com/phrazzld/quill-jobs/internal/config"
)

// Setup initializes and configures the application's logging system based
// on the provided configuration. Production uses a JSON handler; setting
// log_format to "text" selects a tint colorized handler for local
// development. The returned logger is also installed as the slog default.
func Setup(cfg config.ServerConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "", "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log, nil
}

// parseLevel maps the configured log level string (case-insensitive) to a
// slog.Level.
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}
