// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects level, output format and destination.
type Options struct {
	Level  string // trace|debug|info|warn|error; empty means info
	Format string // console|json; empty means json
	Output io.Writer
}

// New returns a logger configured from opts. An unknown level is reported as an
// error together with an info-level logger so callers can still log it.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level := zerolog.InfoLevel
	var perr error
	if s := strings.TrimSpace(opts.Level); s != "" {
		lv, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			perr = err
		} else {
			level = lv
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), perr
}

// OrNop dereferences l, falling back to a disabled logger when l is nil.
func OrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}
