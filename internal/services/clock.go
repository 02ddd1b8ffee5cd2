package services

import "time"

// Clock is the server timestamp authority. Every ordering-sensitive field is
// stamped with it, never with a client-supplied time.
type Clock func() time.Time

func SystemClock() time.Time {
	return time.Now().UTC()
}

func (c Clock) now() time.Time {
	if c == nil {
		return SystemClock()
	}
	return c()
}
