package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	// Microsecond-precision RFC3339 timestamps in every log line.
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

var levelNames = map[string]zerolog.Level{
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
}

// NewLogger returns a JSON logger tagged with the component name. The level
// comes from OUTCOME_LOG_LEVEL; anything unrecognized (or unset) means info.
func NewLogger(component string) zerolog.Logger {
	level, ok := levelNames[os.Getenv("OUTCOME_LOG_LEVEL")]
	if !ok {
		level = zerolog.InfoLevel
	}
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel returns a component logger at an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
