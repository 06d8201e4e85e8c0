package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marinex-ng/internal/config"
)

// EnvLevel overrides log.level without editing the config file.
const EnvLevel = "MARINEX_LOG_LEVEL"

const appName = "marinex-ng"

// New builds the process logger. Output goes to stdout in the configured
// format and, as raw JSON events, to every extra writer (the web log
// buffer, typically).
func New(cfg config.LogConfig, extra ...io.Writer) zerolog.Logger {
	return newWithOutput(os.Stdout, cfg, extra...)
}

func newWithOutput(out io.Writer, cfg config.LogConfig, extra ...io.Writer) zerolog.Logger {
	var primary io.Writer = out
	if cfg.Format != "json" {
		primary = consoleWriter(out)
	}

	writers := []io.Writer{primary}
	for _, w := range extra {
		if w != nil {
			writers = append(writers, w)
		}
	}

	var sink io.Writer = primary
	if len(writers) > 1 {
		sink = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(sink).
		Level(ParseLevel(levelFromEnv(cfg.Level))).
		With().
		Timestamp().
		Str("app", appName).
		Logger()
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
}

func levelFromEnv(level string) string {
	if v := strings.TrimSpace(os.Getenv(EnvLevel)); v != "" {
		return v
	}
	return level
}

// ParseLevel maps a level name to zerolog; unknown names fall back to info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}
