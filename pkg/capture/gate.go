package capture

import (
	"fmt"
	"math"
)

// Gate is the caller's minimum-duration validity check. It never blocks a
// recording; it only labels one.
type Gate struct {
	MinSeconds float64
	Locale     string
}

// Validity is one evaluation of a Gate.
type Validity struct {
	Valid          bool
	Seconds        float64
	MinSeconds     float64
	DeficitSeconds float64
	Message        string
}

func NewGate(minSeconds int, locale string) Gate {
	return Gate{MinSeconds: float64(minSeconds), Locale: locale}
}

// Evaluate compares a duration against the minimum. Non-finite durations are
// treated as zero.
func (g Gate) Evaluate(seconds float64) Validity {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		seconds = 0
	}
	v := Validity{
		Seconds:    seconds,
		MinSeconds: g.MinSeconds,
		Valid:      seconds >= g.MinSeconds,
	}
	if !v.Valid {
		v.DeficitSeconds = g.MinSeconds - seconds
	}
	v.Message = Localize(g.Locale).DurationMessage(v.Valid, v.MinSeconds, v.DeficitSeconds)
	return v
}

// FormatClock renders seconds as m:ss. Invalid values render as 0:00.
func FormatClock(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return "0:00"
	}
	mins := int(seconds) / 60
	secs := int(seconds) % 60
	return fmt.Sprintf("%d:%02d", mins, secs)
}
