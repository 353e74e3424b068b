// Package common contains the types and helpers shared by all exchange
// integrations: the Candlestick type, market pair parsing, interval parsing
// and the retrying requester.
package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SupportedIntervals is the closed set of interval labels accepted on the
// query surface, in ascending width order.
var SupportedIntervals = []string{"1m", "5m", "15m", "30m", "1h", "2h", "4h", "8h", "1d", "1w"}

var supportedIntervalSet = func() map[time.Duration]struct{} {
	m := map[time.Duration]struct{}{}
	for _, label := range SupportedIntervals {
		d, err := ParseInterval(label)
		if err != nil {
			panic(err)
		}
		m[d] = struct{}{}
	}
	return m
}()

// intervalSuffixes maps suffix to unit width, longest suffixes first so that
// "min" is not read as "m" with trailing garbage.
var intervalSuffixes = []struct {
	suffix string
	unit   time.Duration
}{
	{"min", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
	{"week", 7 * 24 * time.Hour},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
}

// ParseInterval reads an interval label like "1m", "15min", "4hour", "1d" or
// "1w" into a duration. Unknown suffixes and non-positive counts fail with
// ErrInvalidInterval.
func ParseInterval(s string) (time.Duration, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, su := range intervalSuffixes {
		if !strings.HasSuffix(lower, su.suffix) {
			continue
		}
		value := strings.TrimSuffix(lower, su.suffix)
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
		}
		return time.Duration(n) * su.unit, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
}

// IsSupportedInterval returns true when the interval belongs to the closed
// set the query surface accepts.
func IsSupportedInterval(d time.Duration) bool {
	_, ok := supportedIntervalSet[d]
	return ok
}

// IntervalLabel formats a duration into the canonical short label, choosing
// the largest exact unit: 120 minutes become "2h", 7 days become "1w".
func IntervalLabel(d time.Duration) string {
	switch {
	case d >= 7*24*time.Hour && d%(7*24*time.Hour) == 0:
		return fmt.Sprintf("%dw", d/(7*24*time.Hour))
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	default:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
}

// AlignToMinute floors a millisecond timestamp to the minute grid.
func AlignToMinute(ms int64) int64 {
	return ms - ms%MinuteMs
}

// IsMinuteAligned returns true when the millisecond timestamp sits exactly on
// the minute grid.
func IsMinuteAligned(ms int64) bool {
	return ms%MinuteMs == 0
}
