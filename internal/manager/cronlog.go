package manager

import (
	"zenith/pkg/logx"
)

// cronLogger adapts logx to the cron.Logger interface. Routine messages go to
// debug; cron is chatty about scheduling.
type cronLogger struct {
	log logx.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debug(msg, logx.Any("cron", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Error(msg, logx.Err(err), logx.Any("cron", kv))
}
