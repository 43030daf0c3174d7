// Package logger configures the zerolog.Logger shared by every component
// in the pool core. There is no package-level global: callers build one
// Logger and inject it into constructors such as ftppool.New and
// connmanager.New, so the core can be instantiated
// twice in one process without interference (see DESIGN.md).
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a console-writer zerolog.Logger. env == "development"
// enables debug-level output; anything else logs at info level.
func New(env string) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	lvl := zerolog.InfoLevel
	if env == "development" {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
