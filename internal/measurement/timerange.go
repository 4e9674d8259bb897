package measurement

import (
	"fmt"
	"time"
)

// Range is a named query window ending now.
type Range string

const (
	Last6Hours  Range = "last_6_hours"
	Last24Hours Range = "last_24_hours"
	Last7Days   Range = "last_7_days"
	Last30Days  Range = "last_30_days"
	AllTime     Range = "all_time"
)

var rangeSpan = map[Range]time.Duration{
	Last6Hours:  6 * time.Hour,
	Last24Hours: 24 * time.Hour,
	Last7Days:   7 * 24 * time.Hour,
	Last30Days:  30 * 24 * time.Hour,
	AllTime:     0,
}

func ParseRange(s string) (Range, error) {
	r := Range(s)
	if _, ok := rangeSpan[r]; !ok {
		return "", fmt.Errorf("unknown time range %q", s)
	}
	return r, nil
}

// Bounds returns the window for r. AllTime has a zero from.
func (r Range) Bounds(now time.Time) (from, to time.Time) {
	span := rangeSpan[r]
	if span == 0 {
		return time.Time{}, now
	}
	return now.Add(-span), now
}
