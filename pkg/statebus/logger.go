package statebus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// zerologAdapter routes watermill's logging into zerolog.
type zerologAdapter struct {
	l zerolog.Logger
}

var _ watermill.LoggerAdapter = zerologAdapter{}

func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return zerologAdapter{l: l}
}

func (z zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	z.l.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z zerologAdapter) Info(msg string, fields watermill.LogFields) {
	z.l.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

// Debug is demoted to trace; watermill is chatty at debug.
func (z zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	z.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	z.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (z zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{l: z.l.With().Fields(map[string]interface{}(fields)).Logger()}
}
