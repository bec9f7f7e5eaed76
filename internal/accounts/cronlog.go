package accounts

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

// CronLogger returns a cron.Logger writing to l.
func CronLogger(l zerolog.Logger) cron.Logger {
	return cronLogger{logger: l.With().Str("component", "cron").Logger()}
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
