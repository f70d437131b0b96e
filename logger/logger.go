package logger

import (
	"os"

	"github.com/omniway/gateway/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. Development gets a human-readable
// console writer at debug level; everything else gets structured JSON at
// info level.
func New(cfg *config.Config) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
