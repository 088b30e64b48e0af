// Package system provides a real clock implementation.
package system

import "time"

// Clock implements crawl.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Tracking timestamps are always
// stored in UTC so next_check_at comparisons survive restarts across
// timezones.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
