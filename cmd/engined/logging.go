package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/events"
)

func newLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	switch format {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// eventLogger writes lifecycle events to the log.
type eventLogger struct {
	log zerolog.Logger
}

func (l eventLogger) Publish(e events.Event) {
	ev := l.log.Info()
	if strings.Contains(e.Name, "fail") || strings.Contains(e.Name, "lost") || strings.Contains(e.Name, "fatal") {
		ev = l.log.Warn()
	}
	ev.Str("provider", e.Provider)
	if e.ModelID != "" {
		ev.Str("model", e.ModelID)
	}
	ev.Fields(e.Fields).Msg(e.Name)
}
