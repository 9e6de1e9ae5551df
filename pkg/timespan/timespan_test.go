package timespan

import (
	"errors"
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want time.Duration
	}{
		{name: "bare minutes", raw: "90", want: 90 * time.Minute},
		{name: "zero minutes", raw: "0", want: 0},
		{name: "compound", raw: "1d 4h 30m", want: 28*time.Hour + 30*time.Minute},
		{name: "long unit names", raw: "3days 4hr 21min", want: 76*time.Hour + 21*time.Minute},
		{name: "no spaces", raw: "2h30m", want: 2*time.Hour + 30*time.Minute},
		{name: "space before unit", raw: "5 d", want: 5 * 24 * time.Hour},
		{name: "milliseconds", raw: "250ms", want: 250 * time.Millisecond},
		{name: "seconds", raw: "45sec", want: 45 * time.Second},
		{name: "month", raw: "1mo", want: Month},
		{name: "month length", raw: "1mo", want: 2565000 * time.Second},
		{name: "months word", raw: "2 months", want: 2 * Month},
		{name: "week", raw: "1w", want: 7 * 24 * time.Hour},
		{name: "year", raw: "1y", want: Year},
		{name: "fraction", raw: "1.5h", want: 90 * time.Minute},
		{name: "upper case", raw: "1D 2H", want: 26 * time.Hour},
		{name: "unknown unit skipped", raw: "1d 3x", want: 24 * time.Hour},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Forever {
				t.Fatalf("Parse(%q) = forever, want %v", tt.raw, tt.want)
			}
			if got.D != tt.want {
				t.Fatalf("Parse(%q) = %v, want %v", tt.raw, got.D, tt.want)
			}
		})
	}
}

func TestParsePermanent(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"perm", "permanent", "PERMANENT", "Perm forever"} {
		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", raw, err)
		}
		if !got.Forever {
			t.Fatalf("Parse(%q) not forever", raw)
		}
		if got.Until(time.Now()) != nil {
			t.Fatalf("Until for %q should be nil", raw)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "   ", "soon", "-5", "x1"} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalid", raw, err)
		}
	}
	for _, raw := range []string{"999999999y", "9223372036.854775808s"} {
		if _, err := Parse(raw); !errors.Is(err, ErrOverflow) {
			t.Fatalf("Parse(%q) err = %v, want ErrOverflow", raw, err)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	cases := map[time.Duration]string{
		0:                                 "0s",
		90 * time.Second:                  "1m30s",
		28*time.Hour + 30*time.Minute:     "1d4h30m",
		72 * time.Hour:                    "3d",
		1500 * time.Millisecond:           "1s",
		-(2*time.Hour + 5*time.Minute):    "-2h5m",
		7*24*time.Hour + 3*time.Second:    "7d3s",
		Span{D: time.Hour}.D:              "1h",
		MustParse("1d 1m").D:              "1d1m",
		MustParse("45sec").D + time.Hour:  "1h45s",
		MustParse("2h").D - time.Minute*1: "1h59m",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", in, got, want)
		}
	}
	if got := (Span{Forever: true}).String(); got != "permanent" {
		t.Fatalf("forever String() = %q", got)
	}
}
