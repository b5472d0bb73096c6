// Package log owns the process-wide logger. Components receive a logger
// through their constructors; the package-level Logger exists for code
// that runs before wiring, like config loading.
package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger starts as a nop so early log calls are safe before InitLogger
// runs.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the logger for the configured format and level,
// installs it as the package Logger and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	logger := dslog.NewGoKitWithWriter(logFormat, kitlog.NewSyncWriter(os.Stderr))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// the level filter must wrap the chain last
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}
