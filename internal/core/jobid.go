package core

import (
	"strconv"
	"sync/atomic"
	"time"
)

// jobIDEpoch is the zero point of job ids. Ids count 100ns ticks since it.
var jobIDEpoch = time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC)

var lastJobTicks atomic.Int64

// NewJobID returns a hex encoded, time-derived job id. Ids issued by one
// process are strictly increasing even when the clock does not advance.
func NewJobID() string {
	for {
		ticks := time.Since(jobIDEpoch).Nanoseconds() / 100
		prev := lastJobTicks.Load()
		if ticks <= prev {
			ticks = prev + 1
		}
		if lastJobTicks.CompareAndSwap(prev, ticks) {
			return strconv.FormatInt(ticks, 16)
		}
	}
}

// IsValidJobID reports whether s has the shape of a job id. Job ids double
// as directory names and store keys, so anything but lowercase hex is refused.
func IsValidJobID(s string) bool {
	if s == "" || len(s) > 32 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
