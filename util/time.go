package util

import (
	"time"
)

// UnixMillis gives the milliseconds since epoch for the given time
func UnixMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// NowUnixMillis gives now as milliseconds since epoch
func NowUnixMillis() int64 {
	return UnixMillis(time.Now())
}

// TimeFromMillis returns the time corresponding to the given milliseconds since epoch
func TimeFromMillis(millis int64) time.Time {
	return time.Unix(0, millis*int64(time.Millisecond))
}

// Millis converts a count of milliseconds as used on the wire into a Duration
func Millis(millis int) time.Duration {
	return time.Duration(millis) * time.Millisecond
}
