package review

import (
	"errors"
	"fmt"
)

// UserError is shown to the member who triggered it. Title and Message are
// already phrased for Discord.
type UserError struct {
	Title   string
	Message string
}

func (e *UserError) Error() string { return e.Title + ": " + e.Message }

// Userf builds a one-off UserError.
func Userf(title, format string, args ...any) *UserError {
	return &UserError{Title: title, Message: fmt.Sprintf(format, args...)}
}

// AsUserError extracts a UserError from err's chain.
func AsUserError(err error) (*UserError, bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

var (
	ErrNotApplicant = &UserError{Title: "No Permissions", Message: "Only the original poster can submit or cancel their request."}
	ErrNoRequest    = &UserError{Title: "Invalid Setup", Message: "This button must belong to a valid review request."}
	ErrSubmitted    = &UserError{Title: "Already Submitted", Message: "This request has already been submitted for review."}
	ErrCancelled    = &UserError{Title: "Cancelled", Message: "This request was cancelled."}
	ErrNoOpenVote   = &UserError{Title: "Unknown Request", Message: "This command must be run in a vote thread that hasn't been completed yet."}
	ErrNoRoles      = &UserError{Title: "No Applicable Roles", Message: "No roles can be applied for yet. Add some with `/applicable-role add`."}
	ErrNoReviewChan = &UserError{Title: "Not Configured", Message: "The review channel is not configured."}

	// ErrInvalidVoteDuration rejects a vote time outside 1h..7d.
	ErrInvalidVoteDuration = &UserError{Title: "Invalid Vote Time", Message: "Vote time must be between 1 hour and 7 days."}
	ErrQuestionTooLong     = errors.New("poll question longer than 300 characters")
)
