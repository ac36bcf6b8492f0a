package rfc9111

import (
	"fmt"
	"strconv"
	"time"
)

// §  1.2.2.  Delta Seconds
// §
// §     The delta-seconds rule specifies a non-negative integer, representing
// §     time in seconds.
// §
// §       delta-seconds  = 1*DIGIT
// §
// §     If a cache receives a delta-seconds value greater than the greatest
// §     integer it can represent, or if any of its subsequent calculations
// §     overflows, the cache MUST consider the value to be 2147483648 (2^31)
// §     or the greatest positive integer it can conveniently represent.

const maxDeltaSeconds = 2147483648

// deltaSeconds parses delta-seconds. The boolean is false for invalid input.
func deltaSeconds(secondsStr string) (time.Duration, bool) {
	seconds, err := strconv.ParseUint(secondsStr, 10, 64)
	if err != nil {
		if numErr, ok := err.(*strconv.NumError); ok && numErr.Err == strconv.ErrRange {
			return maxDeltaSeconds * time.Second, true
		}
		return 0, false
	}
	if seconds > maxDeltaSeconds {
		seconds = maxDeltaSeconds
	}
	return time.Second * time.Duration(seconds), true
}

// DeltaSeconds formats a duration as delta-seconds, rounding to whole seconds.
func DeltaSeconds(duration time.Duration) string {
	if duration < 0 {
		duration = 0
	}
	return fmt.Sprintf("%.f", duration.Seconds())
}
