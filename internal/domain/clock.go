package domain

import "time"

// Clock supplies "now" in the bot's fixed local timezone. Injected so the
// schedule calculator and job scheduler are testable without real time.
type Clock interface {
	Now() time.Time
}

// TZClock is the production clock pinned to one IANA location.
type TZClock struct {
	loc *time.Location
}

// NewTZClock validates tz and returns a clock for it.
func NewTZClock(tz string) (*TZClock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &TZClock{loc: loc}, nil
}

// Now returns the current time in the configured location.
func (c *TZClock) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location exposes the underlying location for date construction.
func (c *TZClock) Location() *time.Location {
	return c.loc
}
