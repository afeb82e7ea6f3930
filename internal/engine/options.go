package engine

import (
	"log/slog"
	"time"
)

// DefaultOverfetch multiplies the query limit when asking the index for
// candidates, leaving room for hits dropped by re-validation.
const DefaultOverfetch = 4

// Clock supplies record timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures an Engine. Zero-valued fields take defaults.
type Options struct {
	Clock  Clock
	Logger *slog.Logger
	Retry  RetryConfig

	// PurgeByDefault makes the default delete policy physical removal.
	// The zero value keeps history.
	PurgeByDefault bool

	// QueryTimeout bounds Search and SearchAt when the caller's context has
	// no earlier deadline. Zero disables it.
	QueryTimeout time.Duration

	// Overfetch is the candidate multiplier for index queries.
	Overfetch int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Retry = o.Retry.withDefaults()
	if o.Overfetch <= 0 {
		o.Overfetch = DefaultOverfetch
	}
	return o
}
