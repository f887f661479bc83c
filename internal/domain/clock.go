package domain

import "time"

// Clock abstracts time for everything with time-dependent behavior so tests
// can drive transitions without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
