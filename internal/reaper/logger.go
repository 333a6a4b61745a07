package reaper

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// cronLogger routes the cron library's logs through zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	withFields(log.Debug(), keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	withFields(log.Error().Err(err), keysAndValues).Msg(msg)
}

func withFields(e *zerolog.Event, keysAndValues []any) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, keysAndValues[i+1])
	}
	return e
}
