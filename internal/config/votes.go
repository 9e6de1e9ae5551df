package config

import (
	"errors"
	"fmt"
	"time"

	"councilbot/pkg/timespan"
)

// Defaults for the votes section.
const (
	DefaultVoteTime                = 72 * time.Hour
	DefaultPingBeforeClose         = 24 * time.Hour
	DefaultTimeBetweenApplications = 30 * 24 * time.Hour
	DefaultNetVotesRequired        = 5
	DefaultRetryDelay              = time.Minute
	DefaultRefetchAttempts         = 3
	DefaultRefetchDelay            = 2 * time.Second

	MinVoteTime = time.Hour
	MaxVoteTime = 7 * 24 * time.Hour
)

// VoteSettings is the resolved, typed form of VotesConfig.
type VoteSettings struct {
	VoteTime                  time.Duration
	PingBeforeClose           time.Duration
	TimeBetweenApplications   time.Duration
	NetVotesRequired          int
	RemoveApplicantFromThread bool
	CouncilRoleID             string

	RetryDelay      time.Duration
	RefetchAttempts int
	RefetchDelay    time.Duration
}

func DefaultVoteSettings() VoteSettings {
	return VoteSettings{
		VoteTime:                DefaultVoteTime,
		PingBeforeClose:         DefaultPingBeforeClose,
		TimeBetweenApplications: DefaultTimeBetweenApplications,
		NetVotesRequired:        DefaultNetVotesRequired,
		RetryDelay:              DefaultRetryDelay,
		RefetchAttempts:         DefaultRefetchAttempts,
		RefetchDelay:            DefaultRefetchDelay,
	}
}

// Resolve parses the section, filling defaults for omitted fields.
func (c VotesConfig) Resolve() (VoteSettings, error) {
	out := DefaultVoteSettings()
	var errs []error
	var err error

	if out.VoteTime, err = ParseSpanOrDefault("votes.vote_time", c.VoteTime, DefaultVoteTime); err != nil {
		errs = append(errs, err)
	}
	if out.PingBeforeClose, err = ParseSpanOrDefault("votes.ping_before_close", c.PingBeforeClose, DefaultPingBeforeClose); err != nil {
		errs = append(errs, err)
	}
	if out.TimeBetweenApplications, err = ParseSpanOrDefault("votes.time_between_applications", c.TimeBetweenApplications, DefaultTimeBetweenApplications); err != nil {
		errs = append(errs, err)
	}
	if c.NetVotesRequired != nil {
		if *c.NetVotesRequired < 0 {
			errs = append(errs, errors.New("votes.net_votes_required: must be >= 0"))
		}
		out.NetVotesRequired = *c.NetVotesRequired
	}
	out.RemoveApplicantFromThread = c.RemoveApplicantFromThread
	out.CouncilRoleID = c.CouncilRoleID

	if out.RetryDelay, err = ParseDurationOrDefault("votes.retry_delay", c.RetryDelay, DefaultRetryDelay); err != nil {
		errs = append(errs, err)
	}
	if c.RefetchAttempts < 0 {
		errs = append(errs, errors.New("votes.refetch_attempts: must be >= 0"))
	} else if c.RefetchAttempts > 0 {
		out.RefetchAttempts = c.RefetchAttempts
	}
	if out.RefetchDelay, err = ParseDurationOrDefault("votes.refetch_delay", c.RefetchDelay, DefaultRefetchDelay); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		if out.VoteTime < MinVoteTime || out.VoteTime > MaxVoteTime {
			errs = append(errs, fmt.Errorf("votes.vote_time: %s must be between %s and %s",
				timespan.FormatDuration(out.VoteTime), timespan.FormatDuration(MinVoteTime), timespan.FormatDuration(MaxVoteTime)))
		}
		if out.PingBeforeClose >= out.VoteTime {
			errs = append(errs, errors.New("votes.ping_before_close: must be shorter than vote_time"))
		}
	}
	if len(errs) > 0 {
		return DefaultVoteSettings(), errors.Join(errs...)
	}
	return out, nil
}

// Encode writes typed settings back into their file representation.
func (s VoteSettings) Encode() VotesConfig {
	net := s.NetVotesRequired
	return VotesConfig{
		VoteTime:                  timespan.FormatDuration(s.VoteTime),
		PingBeforeClose:           timespan.FormatDuration(s.PingBeforeClose),
		TimeBetweenApplications:   timespan.FormatDuration(s.TimeBetweenApplications),
		NetVotesRequired:          &net,
		RemoveApplicantFromThread: s.RemoveApplicantFromThread,
		CouncilRoleID:             s.CouncilRoleID,
		RetryDelay:                s.RetryDelay.String(),
		RefetchAttempts:           s.RefetchAttempts,
		RefetchDelay:              s.RefetchDelay.String(),
	}
}
