package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// WhatsApp adapts slog to the printf-style logger whatsmeow expects.
func WhatsApp(log *slog.Logger, module string) waLog.Logger {
	if log == nil {
		log = slog.Default()
	}

	return &waLogger{log: log.With("module", module)}
}

type waLogger struct {
	log *slog.Logger
}

func (l *waLogger) Warnf(msg string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(msg, args...))
}

func (l *waLogger) Errorf(msg string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(msg, args...))
}

func (l *waLogger) Infof(msg string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(msg, args...))
}

// Debugf skips formatting when debug output is disabled.
func (l *waLogger) Debugf(msg string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.log.Debug(fmt.Sprintf(msg, args...))
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{log: l.log.With("submodule", module)}
}

// Scheduler adapts slog to the gocron logger interface.
func Scheduler(log *slog.Logger) gocron.Logger {
	if log == nil {
		log = slog.Default()
	}

	return &cronLogger{log: log}
}

type cronLogger struct {
	log *slog.Logger
}

func (l *cronLogger) Debug(msg string, args ...any) { l.log.Debug(msg, pairs(args)...) }
func (l *cronLogger) Info(msg string, args ...any)  { l.log.Info(msg, pairs(args)...) }
func (l *cronLogger) Warn(msg string, args ...any)  { l.log.Warn(msg, pairs(args)...) }
func (l *cronLogger) Error(msg string, args ...any) { l.log.Error(msg, pairs(args)...) }

// pairs keeps key/value arguments aligned when a library passes an odd count.
func pairs(args []any) []any {
	out := make([]any, 0, len(args)+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			out = append(out, "value", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		out = append(out, key, args[i+1])
	}

	return out
}
