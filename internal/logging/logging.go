// Package logging builds the structured logger shared by every component,
// following the level-filtered go-kit logger pattern used throughout the
// example corpus's server entry points.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// New builds a go-kit logger writing key=value lines to stderr, filtered at
// the named level (debug|info|warn|error; unrecognized values fall back to
// info).
func New(levelName string) log.Logger {
	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	base = log.With(base, "ts", log.TimestampFormat(time.Now, time.RFC3339))

	var filter level.Option
	switch strings.ToLower(levelName) {
	case "debug":
		filter = level.AllowDebug()
	case "warn", "warning":
		filter = level.AllowWarn()
	case "error":
		filter = level.AllowError()
	default:
		filter = level.AllowInfo()
	}
	return level.NewFilter(base, filter)
}

// ParseLevel validates a level name, returning an error that mirrors a CLI
// usage error for an unrecognized value.
func ParseLevel(name string) error {
	switch strings.ToLower(name) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q (want debug|info|warn|error)", name)
	}
}
