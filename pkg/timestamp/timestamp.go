// Package timestamp provides the time formats used on the MES wire.
//
// Envelopes carry a wall-clock string in the "2006-01-02 15:04:05" layout.
// Request signatures carry Unix seconds as a decimal string.
//
// Usage Examples:
//
//	// Envelope timestamp for a response
//	ts := timestamp.Envelope(time.Now())
//
//	// Signature timestamp for an outbound request
//	sigTS := timestamp.UnixString(time.Now())
//
//	// Check a signature timestamp against a tolerance
//	skew, err := timestamp.SkewSeconds(sigTS, time.Now())
package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvelopeLayout is the layout of the envelope "timestamp" field.
const EnvelopeLayout = "2006-01-02 15:04:05"

// Envelope formats t in the envelope layout using t's location.
func Envelope(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(EnvelopeLayout)
}

// ParseEnvelope parses an envelope timestamp in the local time zone.
// Returns zero time and an error for empty or malformed input.
func ParseEnvelope(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty envelope timestamp")
	}
	t, err := time.ParseInLocation(EnvelopeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse envelope timestamp %q: %w", s, err)
	}
	return t, nil
}

// UnixString returns t as Unix seconds in decimal.
func UnixString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// ParseUnix parses a decimal Unix-seconds string.
func ParseUnix(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// SkewSeconds returns the absolute distance in seconds between the Unix
// timestamp s and now.
func SkewSeconds(s string, now time.Time) (int64, error) {
	ts, err := ParseUnix(s)
	if err != nil {
		return 0, err
	}
	d := now.Unix() - ts
	if d < 0 {
		d = -d
	}
	return d, nil
}

// Since returns the duration since t, or zero for the zero time.
func Since(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}
