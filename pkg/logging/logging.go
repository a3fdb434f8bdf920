package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog logger pre-configured with app and service metadata.
func New(appName, serviceName, env string) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).
		Level(levelFromEnv()).
		With().
		Timestamp().
		Str("app", appName).
		Str("service", serviceName).
		Str("env", env).
		Logger()

	return logger
}

func levelFromEnv() zerolog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
