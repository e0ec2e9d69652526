package presence

import "time"

// Entity is the tracked state of one observed device.
type Entity struct {
	ID       string
	Name     string
	LastRSSI *int
	Smoothed *float64 // nil until the first sample with a signal strength
	Distance *float64
	LastSeen time.Time

	// Latest and Previous are the two most recent within-radius results.
	Latest   bool
	Previous bool

	// Reported is the last presence flag handed to the sink, nil if none.
	Reported *bool
}

// Present applies the hysteresis rule: one sample inside the radius enters,
// two consecutive samples outside leave.
func (e *Entity) Present() bool {
	return e.Latest || e.Previous
}

func (e *Entity) clone() Entity {
	c := *e
	if e.LastRSSI != nil {
		v := *e.LastRSSI
		c.LastRSSI = &v
	}
	if e.Smoothed != nil {
		v := *e.Smoothed
		c.Smoothed = &v
	}
	if e.Distance != nil {
		v := *e.Distance
		c.Distance = &v
	}
	if e.Reported != nil {
		v := *e.Reported
		c.Reported = &v
	}
	return c
}
