package tracker

import "time"

// Schedule holds the poll intervals for each tracker situation
type Schedule struct {
	ActiveInterval     time.Duration // tracking, app in foreground
	BackgroundInterval time.Duration // tracking, app backgrounded
	RecentBackoff      time.Duration // searching, seen within RecentWindow
	MediumBackoff      time.Duration // searching, seen within MediumWindow
	LongBackoff        time.Duration
	RecentWindow       time.Duration
	MediumWindow       time.Duration
}

// TrackingDelay is the delay before the next poll of a visible flight
func (s Schedule) TrackingDelay(background bool) time.Duration {
	if background {
		return s.BackgroundInterval
	}
	return s.ActiveInterval
}

// SearchDelay is the delay before the next poll of a pilot who is not
// visible, keyed by how long ago they were last seen
func (s Schedule) SearchDelay(sinceSeen time.Duration) time.Duration {
	switch {
	case sinceSeen <= s.RecentWindow:
		return s.RecentBackoff
	case sinceSeen <= s.MediumWindow:
		return s.MediumBackoff
	default:
		return s.LongBackoff
	}
}
