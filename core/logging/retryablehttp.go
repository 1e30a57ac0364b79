package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LeveledLogger adapts the global zerolog logger to the leveled logger
// interface used by hashicorp/go-retryablehttp
type LeveledLogger struct {
	Component string
}

func (l LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.emit(log.Error(), msg, keysAndValues)
}

func (l LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.emit(log.Warn(), msg, keysAndValues)
}

// Info is demoted to debug; retryablehttp logs every request at info.
func (l LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.emit(log.Debug(), msg, keysAndValues)
}

func (l LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.emit(log.Debug(), msg, keysAndValues)
}

func (l LeveledLogger) emit(ev *zerolog.Event, msg string, keysAndValues []interface{}) {
	if l.Component != "" {
		ev = ev.Str("component", l.Component)
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, keysAndValues[i+1])
	}
	ev.Msg(msg)
}
