package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall-clock time so run deadlines and alert cooldowns can be tested.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func NewSystemClock() Clock {
	return SystemClock{}
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
