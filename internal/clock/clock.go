package clock

import "time"

// Clock is injected wherever sale windows, lock scores or debounce windows read time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

type fixedClock struct {
	now time.Time
}

// NewFixed returns a clock pinned to t.
func NewFixed(t time.Time) Clock {
	return fixedClock{now: t.UTC()}
}

func (f fixedClock) Now() time.Time {
	return f.now
}
