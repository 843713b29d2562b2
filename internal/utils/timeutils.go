package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseTimestamp accepts RFC3339 or integral unix seconds.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return ParseRFC3339(value)
}

// ParseWindow reads a window length as a Go duration ("15m") or bare minutes ("15").
func ParseWindow(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty window")
	}
	if minutes, err := strconv.ParseFloat(value, 64); err == nil {
		return MinutesToDuration(minutes), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse window %q: %w", value, err)
	}
	return d, nil
}

// ParseWindows parses a list of window specs.
func ParseWindows(values []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(values))
	for _, v := range values {
		d, err := ParseWindow(v)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// MinutesToDuration converts fractional minutes into a duration.
func MinutesToDuration(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute))
}

// WindowLabel renders a window as used in feature names: whole minutes as "5m", anything else as "90s".
func WindowLabel(d time.Duration) string {
	if d%time.Minute == 0 {
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	}
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}

// DurationMinutes converts a pair of timestamps into minute duration.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}
