// Package review runs the application workflow: a member picks roles, gets a
// private portfolio thread, submits it, and each requested role goes to its
// own council vote.
package review

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"councilbot/internal/clock"
	"councilbot/internal/config"
	"councilbot/internal/eventbus"
	"councilbot/internal/model"
	"councilbot/internal/runtime/keylock"
	"councilbot/internal/storage"
	kit "councilbot/internal/transport"
	"councilbot/internal/votes"
	logx "councilbot/pkg/logx"
)

// Component ids. Buttons carry the applicant's user id after the prefix.
const (
	StartPortfolioMenu = "start_portfolio_sel"
	SubmitButtonPrefix = "submit_portfolio_btn_"
	CancelButtonPrefix = "cancel_portfolio_btn_"
)

const (
	threadArchive  = 7 * 24 * time.Hour
	maxThreadName  = 100
	maxEmbedFields = 25
)

type Requests interface {
	Create(ctx context.Context, req *model.ReviewRequest) error
	Save(ctx context.Context, req *model.ReviewRequest) error
	SaveUnit(ctx context.Context, u *model.RequestedRole) error
	Get(ctx context.Context, id string) (*model.ReviewRequest, error)
	FindByThread(ctx context.Context, userID, threadID string) (*model.ReviewRequest, error)
	ListByMember(ctx context.Context, guildID, userID string) ([]model.ReviewRequest, error)
	FindOpenByThread(ctx context.Context, threadID string) (*model.RequestedRole, error)
}

type ApplicableRoles interface {
	Add(ctx context.Context, a *model.ApplicableRole) error
	Update(ctx context.Context, a *model.ApplicableRole) error
	Get(ctx context.Context, guildID, roleID string) (*model.ApplicableRole, error)
	List(ctx context.Context, guildID string) ([]model.ApplicableRole, error)
	Remove(ctx context.Context, guildID, roleID string) (bool, error)
}

// Platform is the slice of transport.Client the workflow uses.
type Platform interface {
	Role(ctx context.Context, guildID, roleID string) (kit.Role, error)
	SendMessage(ctx context.Context, channelID string, msg kit.Message) (string, error)
	EditMessage(ctx context.Context, channelID, messageID string, msg kit.Message) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	CreateThread(ctx context.Context, spec kit.ThreadSpec) (kit.Channel, error)
	LockThread(ctx context.Context, threadID string) error
	DeleteChannel(ctx context.Context, channelID string) error
	AddThreadMember(ctx context.Context, threadID, userID string) error
	RemoveThreadMember(ctx context.Context, threadID, userID string) error
	CreatePoll(ctx context.Context, channelID string, msg kit.Message, poll kit.PollSpec) (string, error)
}

// Votes is the part of votes.Manager the workflow drives.
type Votes interface {
	StartVoteTimer(u *model.RequestedRole) error
	RemoveTimer(requestID, roleID string) bool
	FinalizePoll(ctx context.Context, requestID, roleID string) (votes.Outcome, error)
}

type Settings interface {
	Votes() config.VoteSettings
	ReviewChannelID() string
}

type Options struct {
	Clock clock.Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

type Service struct {
	requests   Requests
	applicable ApplicableRoles
	platform   Platform
	votes      Votes
	settings   Settings
	clock      clock.Clock
	bus        eventbus.Bus
	log        logx.Logger

	// requestsMu serializes Submit and Cancel per request.
	requestsMu keylock.Map
}

func New(requests Requests, applicable ApplicableRoles, platform Platform, v Votes, settings Settings, opt Options) *Service {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Service{
		requests:   requests,
		applicable: applicable,
		platform:   platform,
		votes:      v,
		settings:   settings,
		clock:      opt.Clock,
		bus:        opt.Bus,
		log:        opt.Log.With(logx.String("comp", "review")),
	}
}

// StartInput describes a role selection from the setup message.
type StartInput struct {
	GuildID   string
	ChannelID string
	User      kit.User
	// HeldRoles are the member's current roles.
	HeldRoles []string
	RoleIDs   []string
}

type RejectReason string

const (
	RejectHeld    RejectReason = "You already have this role"
	RejectApplied RejectReason = "You've already applied for this role"
)

type Rejection struct {
	RoleID   string
	RoleName string
	Reason   RejectReason
}

type StartResult struct {
	// Request is nil when every selected role was rejected.
	Request    *model.ReviewRequest
	Thread     kit.Channel
	Rejections []Rejection
}

// Start opens a portfolio thread for the roles the member may apply for.
func (s *Service) Start(ctx context.Context, in StartInput) (*StartResult, error) {
	requested, err := s.requestedRoles(ctx, in.GuildID, in.RoleIDs)
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return nil, ErrNoRoles
	}
	history, err := s.requests.ListByMember(ctx, in.GuildID, in.User.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	now := s.clock.Now()
	cooldown := s.settings.Votes().TimeBetweenApplications
	res := &StartResult{}
	var allowed []model.ApplicableRole
	for _, r := range requested {
		switch {
		case slices.Contains(in.HeldRoles, r.RoleID):
			res.Rejections = append(res.Rejections, Rejection{RoleID: r.RoleID, RoleName: s.roleName(ctx, in.GuildID, r.RoleID), Reason: RejectHeld})
		case blockedByHistory(history, r.RoleID, now, cooldown):
			res.Rejections = append(res.Rejections, Rejection{RoleID: r.RoleID, RoleName: s.roleName(ctx, in.GuildID, r.RoleID), Reason: RejectApplied})
		default:
			allowed = append(allowed, r)
		}
	}
	if len(allowed) == 0 {
		return res, nil
	}

	name := in.User.DisplayName()
	startMsg, err := s.platform.SendMessage(ctx, in.ChannelID, kit.Message{Embed: &kit.Embed{
		Title:       "Member Review",
		Description: "Please post your portfolio in the created thread and click **Submit** when you're done.",
		Color:       kit.ColorGrey,
	}})
	if err != nil {
		return nil, fmt.Errorf("post start message: %w", err)
	}
	thread, err := s.platform.CreateThread(ctx, kit.ThreadSpec{
		ParentID:    in.ChannelID,
		Name:        truncate(name+" Portfolio", maxThreadName),
		Private:     true,
		AutoArchive: threadArchive,
	})
	if err != nil {
		s.deleteMessage(ctx, in.ChannelID, startMsg)
		return nil, fmt.Errorf("create portfolio thread: %w", err)
	}
	res.Thread = thread
	if err := s.platform.AddThreadMember(ctx, thread.ID, in.User.ID); err != nil {
		s.log.Warn("add applicant to portfolio thread failed", logx.String("thread", thread.ID), logx.Err(err))
	}
	if err := s.platform.EditMessage(ctx, in.ChannelID, startMsg, kit.Message{Embed: &kit.Embed{
		Title:       "Member Review",
		Description: fmt.Sprintf("Please post your portfolio in %s and click **Submit** when you're done.", kit.ChannelMention(thread.ID)),
		Color:       kit.ColorGrey,
	}}); err != nil {
		s.log.Debug("edit start message failed", logx.Err(err))
	}

	req := &model.ReviewRequest{
		GuildID:          in.GuildID,
		UserID:           in.User.ID,
		UserName:         in.User.Name,
		GlobalName:       in.User.GlobalName,
		ThreadID:         thread.ID,
		MessageID:        startMsg,
		MessageChannelID: in.ChannelID,
		StartedAt:        now,
	}
	for _, r := range allowed {
		req.Roles = append(req.Roles, model.RequestedRole{RoleID: r.RoleID})
	}
	if err := s.requests.Create(ctx, req); err != nil {
		_ = s.platform.DeleteChannel(ctx, thread.ID)
		s.deleteMessage(ctx, in.ChannelID, startMsg)
		return nil, fmt.Errorf("save request: %w", err)
	}
	res.Request = req

	embed := &kit.Embed{
		Title:       "Member Review",
		Description: "Please post your portfolio for the following roles and click **Submit** when you're done.",
		Color:       kit.ColorGreen,
	}
	for i, r := range requested {
		if i == maxEmbedFields {
			break
		}
		value := ":x: You can't apply for this role right now."
		if req.Role(r.RoleID) != nil {
			value = r.Description
		}
		embed.Fields = append(embed.Fields, kit.EmbedField{Name: s.roleName(ctx, in.GuildID, r.RoleID), Value: value})
	}
	if _, err := s.platform.SendMessage(ctx, thread.ID, kit.Message{
		Embed: embed,
		Buttons: []kit.Button{
			{CustomID: SubmitButtonPrefix + in.User.ID, Label: "Submit", Style: kit.ButtonPrimary},
			{CustomID: CancelButtonPrefix + in.User.ID, Label: "Cancel", Style: kit.ButtonDanger},
		},
	}); err != nil {
		s.log.Warn("post portfolio buttons failed", logx.String("request", req.ID), logx.Err(err))
	}

	s.publish(eventbus.ReviewStarted, req.ID)
	s.log.Info("review started", logx.String("request", req.ID), logx.String("user", in.User.ID),
		logx.Int("roles", len(req.Roles)))
	return res, nil
}

func (s *Service) requestedRoles(ctx context.Context, guildID string, roleIDs []string) ([]model.ApplicableRole, error) {
	var out []model.ApplicableRole
	seen := map[string]bool{}
	for _, id := range roleIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		r, err := s.applicable.Get(ctx, guildID, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load applicable role %s: %w", id, err)
		}
		out = append(out, *r)
	}
	return out, nil
}

// blockedByHistory reports whether an earlier application for roleID still
// prevents a new one. Cancelled, errored and resubmit-approved applications
// never block. An unfinished one always does, including a vote still running
// under a cancelled request. A finished one blocks until the cooldown passes;
// a zero cooldown blocks until an approver lifts it.
func blockedByHistory(history []model.ReviewRequest, roleID string, now time.Time, cooldown time.Duration) bool {
	for _, req := range history {
		for _, u := range req.Roles {
			if u.RoleID != roleID || u.CancelledAt != nil || u.ResubmitApprover != nil || u.ClosedUnderError {
				continue
			}
			if req.CancelledAt != nil && u.SubmittedAt == nil {
				continue
			}
			if u.ClosedAt == nil {
				return true
			}
			if cooldown <= 0 || now.Before(u.ClosedAt.Add(cooldown)) {
				return true
			}
		}
	}
	return false
}

// FindForButton resolves the request behind a Submit or Cancel button pressed
// in threadID. ownerID is the user id encoded in the button.
func (s *Service) FindForButton(ctx context.Context, ownerID, actorID, threadID string) (*model.ReviewRequest, error) {
	if ownerID != actorID {
		return nil, ErrNotApplicant
	}
	req, err := s.requests.FindByThread(ctx, ownerID, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRequest
	}
	return req, err
}

// Submit locks the portfolio and opens one vote per requested role. A unit
// whose thread or poll could not be created is still saved and scheduled;
// finalization then closes it with error.
func (s *Service) Submit(ctx context.Context, requestID string, actor kit.User) (*model.ReviewRequest, error) {
	unlock := s.requestsMu.Lock(requestID)
	defer unlock()
	req, err := s.load(ctx, requestID, actor.ID)
	if err != nil {
		return nil, err
	}
	for _, u := range req.Roles {
		if u.SubmittedAt != nil {
			return nil, ErrSubmitted
		}
	}
	settings := s.settings.Votes()
	voteTime, err := ValidateVoteDuration(settings.VoteTime)
	if err != nil {
		return nil, err
	}
	reviewChannel := s.settings.ReviewChannelID()
	if reviewChannel == "" {
		return nil, ErrNoReviewChan
	}

	if err := s.platform.LockThread(ctx, req.ThreadID); err != nil {
		s.log.Warn("lock portfolio thread failed", logx.String("request", req.ID), logx.Err(err))
	}
	if settings.RemoveApplicantFromThread {
		if err := s.platform.RemoveThreadMember(ctx, req.ThreadID, req.UserID); err != nil {
			s.log.Warn("remove applicant from portfolio failed", logx.String("request", req.ID), logx.Err(err))
		}
	}

	req.UserName = actor.Name
	req.GlobalName = actor.GlobalName
	if err := s.requests.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}

	name := req.DisplayName()
	for i := range req.Roles {
		u := &req.Roles[i]
		roleName := s.roleName(ctx, req.GuildID, u.RoleID)
		s.openVote(ctx, req, u, reviewChannel, name, roleName, settings.CouncilRoleID, voteTime)

		now := s.clock.Now()
		expires := now.Add(voteTime)
		u.SubmittedAt, u.ExpiresAt = &now, &expires
		if err := s.requests.SaveUnit(ctx, u); err != nil {
			return req, fmt.Errorf("save unit %s: %w", u.RoleID, err)
		}
		if err := s.votes.StartVoteTimer(u); err != nil {
			s.log.Warn("vote timer not started", logx.String("request", req.ID), logx.String("role", u.RoleID), logx.Err(err))
		}
	}

	s.publish(eventbus.ReviewSubmit, req.ID)
	s.log.Info("review submitted", logx.String("request", req.ID), logx.String("user", req.UserID),
		logx.Int("roles", len(req.Roles)))
	return req, nil
}

// openVote creates the vote thread, pings the council and posts the poll,
// filling ThreadID and PollMessageID on success.
func (s *Service) openVote(ctx context.Context, req *model.ReviewRequest, u *model.RequestedRole, channelID, name, roleName, councilRole string, d time.Duration) {
	log := s.log.With(logx.String("request", req.ID), logx.String("role", u.RoleID))
	thread, err := s.platform.CreateThread(ctx, kit.ThreadSpec{
		ParentID:    channelID,
		Name:        truncate(name+" - "+roleName, maxThreadName),
		AutoArchive: threadArchive,
	})
	if err != nil {
		log.Error("create vote thread failed", logx.Err(err))
		return
	}
	u.ThreadID = thread.ID

	intro := kit.Message{Content: fmt.Sprintf("%s has applied for **%s**. Portfolio: %s",
		name, roleName, kit.ChannelMention(req.ThreadID))}
	if councilRole != "" {
		intro.Content = kit.RoleMention(councilRole) + " " + intro.Content
		intro.Mentions.Roles = []string{councilRole}
	}
	if _, err := s.platform.SendMessage(ctx, thread.ID, intro); err != nil {
		log.Warn("post vote intro failed", logx.Err(err))
	}

	spec, err := NewYesNoPoll(truncate(fmt.Sprintf("Should %s become a member? They are applying for: %s.", name, roleName), MaxQuestionLen), d)
	if err != nil {
		log.Error("build poll failed", logx.Err(err))
		return
	}
	pollID, err := s.platform.CreatePoll(ctx, thread.ID, kit.Message{}, spec)
	if err != nil {
		log.Error("create poll failed", logx.Err(err))
		return
	}
	u.PollMessageID = &pollID
}

// Cancel withdraws the request. Votes already running are left alone; the
// portfolio thread and start message are removed only when nothing was
// submitted.
func (s *Service) Cancel(ctx context.Context, requestID string, actor kit.User) (*model.ReviewRequest, error) {
	unlock := s.requestsMu.Lock(requestID)
	defer unlock()
	req, err := s.load(ctx, requestID, actor.ID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	req.CancelledAt = &now
	if err := s.requests.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}
	submitted := false
	for i := range req.Roles {
		u := &req.Roles[i]
		if u.SubmittedAt != nil {
			submitted = true
			continue
		}
		u.CancelledAt = &now
		if err := s.requests.SaveUnit(ctx, u); err != nil {
			return req, fmt.Errorf("save unit %s: %w", u.RoleID, err)
		}
		s.votes.RemoveTimer(u.RequestID, u.RoleID)
	}

	if !submitted {
		if err := s.platform.DeleteChannel(ctx, req.ThreadID); err != nil && !errors.Is(err, kit.ErrNotFound) {
			s.log.Warn("delete portfolio thread failed", logx.String("request", req.ID), logx.Err(err))
		}
		s.deleteMessage(ctx, req.MessageChannelID, req.MessageID)
	}
	s.publish(eventbus.ReviewCancel, req.ID)
	s.log.Info("review cancelled", logx.String("request", req.ID), logx.String("user", req.UserID))
	return req, nil
}

func (s *Service) load(ctx context.Context, requestID, actorID string) (*model.ReviewRequest, error) {
	req, err := s.requests.Get(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRequest
	}
	if err != nil {
		return nil, err
	}
	if req.UserID != actorID {
		return nil, ErrNotApplicant
	}
	if req.CancelledAt != nil {
		return nil, ErrCancelled
	}
	return req, nil
}

// AllowResubmit lifts the reapplication cooldown for a member's closed votes,
// for roleID or for every role when it is empty. It returns the number of
// votes lifted.
func (s *Service) AllowResubmit(ctx context.Context, guildID, userID, roleID, approverID string) (int, error) {
	history, err := s.requests.ListByMember(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	cooldown := s.settings.Votes().TimeBetweenApplications
	lifted := 0
	for i := range history {
		req := &history[i]
		touched := false
		for j := range req.Roles {
			u := &req.Roles[j]
			if roleID != "" && u.RoleID != roleID {
				continue
			}
			if u.ClosedAt == nil || u.ClosedUnderError || u.CancelledAt != nil || u.ResubmitApprover != nil {
				continue
			}
			if cooldown > 0 && !now.Before(u.ClosedAt.Add(cooldown)) {
				continue
			}
			u.ResubmitApprover = &approverID
			if err := s.requests.SaveUnit(ctx, u); err != nil {
				return lifted, err
			}
			lifted++
			touched = true
		}
		if touched && req.ResubmitApprover == nil {
			req.ResubmitApprover = &approverID
			if err := s.requests.Save(ctx, req); err != nil {
				return lifted, err
			}
		}
	}
	return lifted, nil
}

// History lists a member's requests with units and votes, newest first.
func (s *Service) History(ctx context.Context, guildID, userID string) ([]model.ReviewRequest, error) {
	return s.requests.ListByMember(ctx, guildID, userID)
}

// EndEarly finalizes the open vote hosted in threadID now.
func (s *Service) EndEarly(ctx context.Context, threadID string) (votes.Outcome, *model.RequestedRole, error) {
	u, err := s.requests.FindOpenByThread(ctx, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return votes.Outcome{}, nil, ErrNoOpenVote
	}
	if err != nil {
		return votes.Outcome{}, nil, err
	}
	out, err := s.votes.FinalizePoll(ctx, u.RequestID, u.RoleID)
	return out, u, err
}

func (s *Service) roleName(ctx context.Context, guildID, roleID string) string {
	if r, err := s.platform.Role(ctx, guildID, roleID); err == nil && r.Name != "" {
		return r.Name
	}
	return roleID
}

func (s *Service) deleteMessage(ctx context.Context, channelID, messageID string) {
	if channelID == "" || messageID == "" {
		return
	}
	if err := s.platform.DeleteMessage(ctx, channelID, messageID); err != nil && !errors.Is(err, kit.ErrNotFound) {
		s.log.Debug("delete message failed", logx.String("message", messageID), logx.Err(err))
	}
}

func (s *Service) publish(typ, requestID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: requestID})
}
