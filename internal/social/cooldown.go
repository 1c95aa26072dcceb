// Package social decides when the persona speaks up unprompted. Each
// watched channel carries a character binding, a cooldown, and a rolling
// window of recent messages that feeds the engagement filter.
package social

import "time"

// Eligible reports whether a channel that last engaged at last may engage
// again at now, given its cooldown. A zero last time means the channel has
// never engaged and is always eligible. Callers must pass a non-negative
// cooldown; a zero cooldown disables the gate entirely.
func Eligible(last time.Time, cooldown time.Duration, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= cooldown
}
