package presence

import (
	"fmt"
	"time"
)

// Stay is an elapsed presence span in whole hours and remaining minutes.
type Stay struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// StayBetween returns the true elapsed time from entry to exit, floored to
// whole minutes with a 60-minute carry. Spans across midnight or several days
// are counted in full; a negative span is zero.
func StayBetween(entry, exit time.Time) Stay {
	d := exit.Sub(entry)
	if d < 0 {
		d = 0
	}
	total := int(d / time.Minute)
	return Stay{Hours: total / 60, Minutes: total % 60}
}

func (s Stay) String() string { return fmt.Sprintf("%dh %dm", s.Hours, s.Minutes) }
