package config

import (
	"regexp"
	"strconv"
	"time"

	"github.com/apiary-io/apiary/pkg/errdefs"
)

var durationRe = regexp.MustCompile(`^(\d+)(ms|s|m|h|d)$`)

// ParseDuration parses Apiary's duration syntax: an integer followed by
// one of ms, s, m, h, or d. This is deliberately narrower than
// time.ParseDuration; config files use a single unit per value.
func ParseDuration(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, errdefs.Config("invalid duration %q (want <number><ms|s|m|h|d>)", s)
	}

	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errdefs.Config("invalid duration %q: %v", s, err)
	}

	switch m[2] {
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, errdefs.Config("invalid duration unit %q", m[2])
}

// FormatDuration renders a duration human-readably using the largest unit
// that keeps the value at or above one, e.g. "1.5h", "45m", "800ms".
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}

	format := func(v float64, unit string) string {
		return strconv.FormatFloat(v, 'f', -1, 64) + unit
	}

	switch {
	case d >= 24*time.Hour:
		return format(round2(d.Hours()/24), "d")
	case d >= time.Hour:
		return format(round2(d.Hours()), "h")
	case d >= time.Minute:
		return format(round2(d.Minutes()), "m")
	case d >= time.Second:
		return format(round2(d.Seconds()), "s")
	default:
		return format(round2(float64(d)/float64(time.Millisecond)), "ms")
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
