package main

import (
	"context"
	"log/slog"

	log "github.com/sirupsen/logrus"
)

// logrusHandler adapts the engine's slog output onto the CLI's logrus
// configuration, so the process has a single log stream.
type logrusHandler struct {
	attrs  []slog.Attr
	groups []string
}

func (h logrusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return log.IsLevelEnabled(logrusLevel(level))
}

func (h logrusHandler) Handle(_ context.Context, r slog.Record) error {
	fields := log.Fields{}
	add := func(a slog.Attr) {
		key := a.Key
		for i := len(h.groups) - 1; i >= 0; i-- {
			key = h.groups[i] + "." + key
		}
		fields[key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})
	log.WithFields(fields).Log(logrusLevel(r.Level), r.Message)
	return nil
}

func (h logrusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return h
}

func (h logrusHandler) WithGroup(name string) slog.Handler {
	h.groups = append(append([]string{}, h.groups...), name)
	return h
}

func logrusLevel(level slog.Level) log.Level {
	switch {
	case level >= slog.LevelError:
		return log.ErrorLevel
	case level >= slog.LevelWarn:
		return log.WarnLevel
	case level >= slog.LevelInfo:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}
