package tools

import "time"

// FrameSamples returns the interleaved sample count of one frame.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}
