// Package runtime is the dependency-injection root: one Runtime is
// constructed in cmd/veloz/main.go and threaded through every component's
// constructor, replacing the package-global logger and scattered
// os.Getenv calls the teacher repo uses.
package runtime

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/velozfi/veloz/internal/config"
)

// Clock is the engine's only source of time, so tests can supply a fake one
// and WAL replay / fill-simulation determinism does not depend on wall time.
type Clock interface {
	NowNs() int64
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// NowNs returns the current time in nanoseconds since the Unix epoch.
func (SystemClock) NowNs() int64 { return time.Now().UnixNano() }

// Runtime bundles the services every component needs, built once at
// startup and passed down explicitly — no global logger, no global config.
type Runtime struct {
	Log    zerolog.Logger
	Config *config.Config
	Clock  Clock
}

// New builds a Runtime with console logging in the teacher's style
// (zerolog.ConsoleWriter to stderr, level gated by DEBUG).
func New(cfg *config.Config) *Runtime {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	if os.Getenv("DEBUG") == "true" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	return &Runtime{
		Log:    logger,
		Config: cfg,
		Clock:  SystemClock{},
	}
}

// WithClock returns a copy of the Runtime using clock instead of the system
// clock; used by tests that need deterministic timestamps.
func (r *Runtime) WithClock(clock Clock) *Runtime {
	cp := *r
	cp.Clock = clock
	return &cp
}
