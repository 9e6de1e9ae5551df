package timespan

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalid  = errors.New("timespan: no recognised time component")
	ErrOverflow = errors.New("timespan: value too large")
)

// Month is the length used for the "mo" unit: 29.6875 days (356.25 days / 12).
const Month = 2565000 * time.Second

// Year is the length used for the "y" unit.
const Year = time.Duration(365.25 * float64(24*time.Hour))

var componentRe = regexp.MustCompile(`(?i)([\d.]+)\s?([a-z]+)`)

// Span is a parsed timespan. Forever is set for "perm"/"permanent" input,
// in which case D is zero.
type Span struct {
	D       time.Duration
	Forever bool
}

func (s Span) String() string {
	if s.Forever {
		return "permanent"
	}
	return FormatDuration(s.D)
}

// Until returns the absolute expiry for a span started at now, or nil for Forever.
func (s Span) Until(now time.Time) *time.Time {
	if s.Forever {
		return nil
	}
	t := now.Add(s.D)
	return &t
}

// Parse parses strings such as "3d 4hr 21min", "90" (minutes) or "permanent".
//
// Components are summed. The unit of each component is picked by prefix:
// ms, s, mo, m, h, d, w, y. Unknown units are skipped.
func Parse(raw string) (Span, error) {
	in := strings.TrimSpace(raw)
	if in == "" {
		return Span{}, ErrInvalid
	}
	if len(in) >= 4 && strings.EqualFold(in[:4], "perm") {
		return Span{Forever: true}, nil
	}
	if mins, err := strconv.Atoi(in); err == nil && mins >= 0 {
		return Span{D: time.Duration(mins) * time.Minute}, nil
	}

	var (
		total float64 // nanoseconds
		found bool
	)
	for _, m := range componentRe.FindAllStringSubmatch(in, -1) {
		if len(m) != 3 {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil || v < 0 {
			continue
		}
		unit, ok := unitFor(strings.ToLower(m[2]))
		if !ok {
			continue
		}
		total += v * float64(unit)
		found = true
	}
	if !found {
		return Span{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which no Duration can hold.
	if total >= math.MaxInt64 {
		return Span{}, fmt.Errorf("%w: %q", ErrOverflow, raw)
	}
	return Span{D: time.Duration(total)}, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(raw string) Span {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func unitFor(key string) (time.Duration, bool) {
	switch {
	case strings.HasPrefix(key, "ms"):
		return time.Millisecond, true
	case strings.HasPrefix(key, "s"):
		return time.Second, true
	case strings.HasPrefix(key, "mo"):
		return Month, true
	case strings.HasPrefix(key, "m"):
		return time.Minute, true
	case strings.HasPrefix(key, "h"):
		return time.Hour, true
	case strings.HasPrefix(key, "d"):
		return 24 * time.Hour, true
	case strings.HasPrefix(key, "w"):
		return 7 * 24 * time.Hour, true
	case strings.HasPrefix(key, "y"):
		return Year, true
	}
	return 0, false
}

// FormatDuration renders d as a compact "1d4h30m" string. Sub-second
// remainders are dropped; zero renders as "0s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "-" + FormatDuration(-d)
	}
	d = d.Truncate(time.Second)
	if d == 0 {
		return "0s"
	}
	var b strings.Builder
	parts := []struct {
		unit time.Duration
		sfx  string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	}
	for _, p := range parts {
		if d >= p.unit {
			n := d / p.unit
			d -= n * p.unit
			b.WriteString(strconv.FormatInt(int64(n), 10))
			b.WriteString(p.sfx)
		}
	}
	return b.String()
}
