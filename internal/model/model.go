// Package model holds the persisted entities shared by the vote, role and
// review services. Platform identifiers are Discord snowflakes kept as strings.
package model

import (
	"fmt"
	"time"
)

// ReviewRequest is one application by a member for one or more roles.
type ReviewRequest struct {
	ID         string
	UserID     string
	GuildID    string
	UserName   string
	GlobalName string

	// ThreadID is the applicant's private portfolio thread.
	ThreadID         string
	MessageID        string
	MessageChannelID string

	StartedAt        time.Time
	CancelledAt      *time.Time
	ResubmitApprover *string

	RolesAppliedFor int
	RolesAccepted   int

	Roles []RequestedRole
}

// DisplayName prefers the global display name over the account name.
func (r *ReviewRequest) DisplayName() string {
	if r.GlobalName != "" {
		return r.GlobalName
	}
	return r.UserName
}

// Role returns the unit for roleID, or nil.
func (r *ReviewRequest) Role(roleID string) *RequestedRole {
	for i := range r.Roles {
		if r.Roles[i].RoleID == roleID {
			return &r.Roles[i]
		}
	}
	return nil
}

// UnitKey identifies a vote unit.
type UnitKey struct {
	RequestID string
	RoleID    string
}

func (k UnitKey) String() string { return fmt.Sprintf("%s/%s", k.RequestID, k.RoleID) }

// UnitState is derived from a RequestedRole's timestamps and flags.
type UnitState string

const (
	UnitPending         UnitState = "pending"
	UnitOpen            UnitState = "open"
	UnitAccepted        UnitState = "accepted"
	UnitRejected        UnitState = "rejected"
	UnitClosedWithError UnitState = "closed_with_error"
	UnitCancelled       UnitState = "cancelled"
)

// RequestedRole is the vote unit: one role requested within a ReviewRequest.
type RequestedRole struct {
	RequestID string
	RoleID    string

	// ThreadID hosts the vote for this role.
	ThreadID      string
	PollMessageID *string

	SubmittedAt *time.Time
	ExpiresAt   *time.Time
	ClosedAt    *time.Time
	CancelledAt *time.Time

	YesVotes         int
	NoVotes          int
	Accepted         *bool
	ClosedUnderError bool
	ResubmitApprover *string

	Votes []Vote

	// UserID and GuildID are denormalised from the owning request on load.
	UserID  string
	GuildID string
}

func (u *RequestedRole) Key() UnitKey { return UnitKey{RequestID: u.RequestID, RoleID: u.RoleID} }

// IsOpen reports whether the unit is submitted with a deadline and not yet closed or cancelled.
func (u *RequestedRole) IsOpen() bool {
	return u.SubmittedAt != nil && u.ExpiresAt != nil && u.ClosedAt == nil && u.CancelledAt == nil
}

func (u *RequestedRole) State() UnitState {
	switch {
	case u.CancelledAt != nil:
		return UnitCancelled
	case u.ClosedUnderError:
		return UnitClosedWithError
	case u.ClosedAt != nil && u.Accepted != nil && *u.Accepted:
		return UnitAccepted
	case u.ClosedAt != nil && u.Accepted != nil:
		return UnitRejected
	case u.SubmittedAt != nil && u.ClosedAt == nil:
		return UnitOpen
	default:
		return UnitPending
	}
}

// Vote is one voter's choice, indexed within its unit (yes voters first).
type Vote struct {
	Index      int
	UserID     string
	UserName   string
	GlobalName string
	Yes        bool
}

// PersistingRole asserts that a user should hold a role in a guild until
// RemoveAt, or forever when RemoveAt is nil.
type PersistingRole struct {
	ID              string
	UserID          string
	GuildID         string
	RoleID          string
	RemoveAt        *time.Time
	ExpiryProcessed bool
	// AddedBy is empty when the bot granted the role after a vote.
	AddedBy   string
	CreatedAt time.Time
}

func (p *PersistingRole) IsExpired(now time.Time) bool {
	return p.RemoveAt != nil && !now.Before(*p.RemoveAt)
}

// MemberKey identifies a guild member.
type MemberKey struct {
	GuildID string
	UserID  string
}

func (p *PersistingRole) Member() MemberKey {
	return MemberKey{GuildID: p.GuildID, UserID: p.UserID}
}

// ApplicableRole is a role members may apply for.
type ApplicableRole struct {
	ID          string
	GuildID     string
	RoleID      string
	Emoji       string
	Description string
	// NetVotesRequired of 0 defers to the configured default.
	NetVotesRequired int
	AddedBy          string
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
