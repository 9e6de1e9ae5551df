package review

import (
	"fmt"
	"time"
	"unicode/utf8"

	kit "councilbot/internal/transport"
	"councilbot/internal/votes"
)

const (
	MaxPollDuration = 7 * 24 * time.Hour
	MaxQuestionLen  = 300
)

// ValidateVoteDuration rounds d to whole hours and rejects anything outside
// 1h..7d. It never clamps.
func ValidateVoteDuration(d time.Duration) (time.Duration, error) {
	r := d.Round(time.Hour)
	if r < time.Hour || r > MaxPollDuration {
		return 0, fmt.Errorf("%w (got %s)", ErrInvalidVoteDuration, d)
	}
	return r, nil
}

// NewYesNoPoll builds the council poll. The platform counts poll duration in
// whole hours, so d is rounded with a floor of one hour.
func NewYesNoPoll(question string, d time.Duration) (kit.PollSpec, error) {
	if d > MaxPollDuration {
		return kit.PollSpec{}, fmt.Errorf("%w (got %s)", ErrInvalidVoteDuration, d)
	}
	if utf8.RuneCountInString(question) > MaxQuestionLen {
		return kit.PollSpec{}, ErrQuestionTooLong
	}
	d = d.Round(time.Hour)
	if d < time.Hour {
		d = time.Hour
	}
	return kit.PollSpec{
		Question: question,
		Answers: []kit.PollAnswerSpec{
			{Text: votes.YesText, Emoji: "✅"},
			{Text: votes.NoText, Emoji: "❌"},
		},
		Duration: d,
	}, nil
}

// truncate shortens s to at most n runes, ending with "..." when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
