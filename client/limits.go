package client

import "time"

// rateLimiter is a sliding window over message timestamps.
type rateLimiter struct {
	window time.Duration
	max    int
	events []time.Time
}

func (rl *rateLimiter) allow(now time.Time) bool {
	windowStart := now.Add(-rl.window)
	trimmed := rl.events[:0]
	for _, ts := range rl.events {
		if ts.After(windowStart) {
			trimmed = append(trimmed, ts)
		}
	}
	rl.events = trimmed
	if len(trimmed) >= rl.max {
		return false
	}
	rl.events = append(rl.events, now)
	return true
}
