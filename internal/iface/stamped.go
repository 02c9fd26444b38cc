package iface

import "time"

// Stamped pairs a value with the moment it was produced, in seconds since an
// external monotonic reference (process start by default). A write into a
// Buffer replaces the whole pair; a Stamped value is never mutated in place.
type Stamped struct {
	Value     any
	Timestamp float64
}

// Stamper produces the timestamp attached to a value when the caller supplied
// none.
type Stamper func() float64

var programStart = time.Now()

// Uptime is the default stamping function: seconds elapsed since process
// start, derived from the monotonic clock.
func Uptime() float64 { return time.Since(programStart).Seconds() }
