// Package logging wraps zerolog the same way the gateway's logger
// package did: a console writer in development, level selected by
// environment, timestamps always on.
package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/relayforge/gatewaycore/internal/config"
)

// New returns a configured root logger for the process.
func New(cfg *config.Config) zerolog.Logger {
	var out zerolog.ConsoleWriter
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		zerolog.SetGlobalLevel(lvl)
		return zerolog.New(out).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Component returns a sub-logger tagged with the owning component,
// matching the "component" field convention used throughout the
// gateway (health poller, routing engine, etc).
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
