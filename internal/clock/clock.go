// Package clock supplies the timestamps stamped onto audited rows. The
// interface exists so tests can pin time.
package clock

import "time"

type Clock interface {
	UtcNow() time.Time
}

// System is the production clock.
type System struct{}

func (System) UtcNow() time.Time { return time.Now().UTC() }

// Fixed always returns the same instant.
type Fixed struct {
	T time.Time
}

func (f Fixed) UtcNow() time.Time { return f.T }
