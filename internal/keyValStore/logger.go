package keyValStore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	logKeyPath  = "path"
	logKeyError = "error"
)

// badgerLogger forwards badger's printf-style logging into slog. Badger's
// info output is demoted to debug; it is chatty during compaction.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) log(level slog.Level, format string, args ...any) {
	if !b.l.Enabled(context.Background(), level) {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	b.l.Log(context.Background(), level, msg, "component", "badger")
}

func (b badgerLogger) Errorf(f string, a ...any)   { b.log(slog.LevelError, f, a...) }
func (b badgerLogger) Warningf(f string, a ...any) { b.log(slog.LevelWarn, f, a...) }
func (b badgerLogger) Infof(f string, a ...any)    { b.log(slog.LevelDebug, f, a...) }
func (b badgerLogger) Debugf(f string, a ...any)   { b.log(slog.LevelDebug-4, f, a...) }
