package tools

import (
	"slices"

	session "github.com/bt-bridge/rtc-session"
)

// ActiveSpeakers returns the ids of participants whose level is at least
// threshold, loudest first. Ties keep report order.
func ActiveSpeakers(levels []session.AudioLevel, threshold int) []string {
	loud := make([]session.AudioLevel, 0, len(levels))
	for _, l := range levels {
		if l.Level >= threshold {
			loud = append(loud, l)
		}
	}
	slices.SortStableFunc(loud, func(a, b session.AudioLevel) int {
		return b.Level - a.Level
	})
	ids := make([]string, len(loud))
	for i, l := range loud {
		ids[i] = l.ParticipantID
	}
	return ids
}
