// slog sinks for the host logger
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// SinkOptions selects where NewSystemHandler sends entries.
type SinkOptions struct {
	// Level is the minimum level forwarded to every sink.
	Level LogLevel
	// Terminal receives text output unless the process runs as a systemd
	// service. Nil disables it.
	Terminal io.Writer
	// Journal enables the systemd journal sink when the journal socket exists.
	Journal bool
}

// NewSystemHandler builds a fan-out slog handler: a text handler on the
// terminal (skipped under systemd) and the journal. It never returns nil; when
// no sink is available the text handler writes to io.Discard.
func NewSystemHandler(opts SinkOptions) slog.Handler {
	level := new(slog.LevelVar)
	level.Set(opts.Level.slogLevel())

	var handlers []slog.Handler
	if opts.Terminal != nil && !runningAsService() {
		handlers = append(handlers, slog.NewTextHandler(opts.Terminal, &slog.HandlerOptions{
			Level: level,
		}))
	}

	if opts.Journal {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: level,
			ReplaceGroup: func(key string) string {
				return toJournalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err == nil {
			handlers = append(handlers, journal)
		} else if len(handlers) > 0 {
			GetLogger("log").WithError(err).Warn("journal sink unavailable")
		}
	}

	if len(handlers) == 0 {
		return slog.NewTextHandler(io.Discard, nil)
	}
	return slogmulti.Fanout(handlers...)
}

// toJournalKey converts an attribute key into a valid journal field name.
func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

// runningAsService reports whether the process cgroup is a systemd service.
func runningAsService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) < 3 {
		return false
	}
	return strings.HasSuffix(path.Dir(parts[2]), ".service")
}
