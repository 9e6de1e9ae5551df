// Package transporttest provides an in-memory transport.Client for tests.
package transporttest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	kit "councilbot/internal/transport"
)

type SentMessage struct {
	ID        string
	ChannelID string
	Message   kit.Message
	Deleted   bool
}

type FakePoll struct {
	kit.Poll
	Voters map[int][]kit.User
	Ended  bool
}

type Response struct {
	Interaction *kit.Interaction
	Response    kit.Response
}

// Fake records calls and keeps guild state in memory. Zero value is not usable; call NewFake.
type Fake struct {
	mu  sync.Mutex
	seq int
	now func() time.Time

	BotID         string
	guilds        []string
	members       map[string]map[string]*kit.Member // guild -> user
	roles         map[string]map[string]kit.Role    // guild -> role
	channels      map[string]kit.Channel
	threadMembers map[string]map[string]bool

	Messages  []SentMessage
	Directs   map[string][]kit.Message
	Polls     map[string]*FakePoll // message id
	Responses []Response
	Commands  map[string][]kit.Command

	// RoleEdits counts AddRoles/RemoveRoles calls that reached the member.
	RoleEdits int

	// Fail, when set, is consulted under the lock before each call by name ("AddRoles", "PollMessage", ...).
	// It must not call back into the Fake.
	Fail func(op string) error
}

func NewFake(now func() time.Time) *Fake {
	if now == nil {
		now = time.Now
	}
	return &Fake{
		now:           now,
		BotID:         "bot",
		members:       map[string]map[string]*kit.Member{},
		roles:         map[string]map[string]kit.Role{},
		channels:      map[string]kit.Channel{},
		threadMembers: map[string]map[string]bool{},
		Directs:       map[string][]kit.Message{},
		Polls:         map[string]*FakePoll{},
		Commands:      map[string][]kit.Command{},
	}
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%d", prefix, f.seq)
}

func (f *Fake) fail(op string) error {
	if f.Fail == nil {
		return nil
	}
	return f.Fail(op)
}

// ---- seeding ----

func (f *Fake) AddGuild(guildID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.guilds, guildID) {
		f.guilds = append(f.guilds, guildID)
	}
}

func (f *Fake) AddRole(guildID, roleID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles[guildID] == nil {
		f.roles[guildID] = map[string]kit.Role{}
	}
	f.roles[guildID][roleID] = kit.Role{ID: roleID, Name: name}
}

func (f *Fake) DeleteRole(guildID, roleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roles[guildID], roleID)
}

func (f *Fake) AddMember(guildID string, u kit.User, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.guilds, guildID) {
		f.guilds = append(f.guilds, guildID)
	}
	if f.members[guildID] == nil {
		f.members[guildID] = map[string]*kit.Member{}
	}
	f.members[guildID][u.ID] = &kit.Member{GuildID: guildID, User: u, Roles: append([]string(nil), roles...)}
}

func (f *Fake) RemoveMember(guildID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[guildID], userID)
}

func (f *Fake) AddChannel(c kit.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[c.ID] = c
}

// MemberRoles returns a sorted copy of the member's roles, or nil when absent.
func (f *Fake) MemberRoles(guildID, userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.members[guildID][userID]
	if m == nil {
		return nil
	}
	out := append([]string(nil), m.Roles...)
	sort.Strings(out)
	return out
}

// SetVoters replaces the voters of a poll answer and updates the cached count.
func (f *Fake) SetVoters(messageID, answer string, users ...kit.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.Polls[messageID]
	if p == nil {
		return
	}
	for i, a := range p.Answers {
		if a.Text == answer {
			p.Voters[a.ID] = append([]kit.User(nil), users...)
			p.Answers[i].Count = len(users)
		}
	}
}

func (f *Fake) Poll(messageID string) *FakePoll {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Polls[messageID]
}

func (f *Fake) ChannelMessages(channelID string) []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SentMessage
	for _, m := range f.Messages {
		if m.ChannelID == channelID && !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}

// DirectsTo returns a copy of the DMs sent to userID.
func (f *Fake) DirectsTo(userID string) []kit.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.Message(nil), f.Directs[userID]...)
}

// Edits returns the number of role edits that reached a member.
func (f *Fake) Edits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RoleEdits
}

// SetFail installs a failure hook under the lock.
func (f *Fake) SetFail(fn func(op string) error) {
	f.mu.Lock()
	f.Fail = fn
	f.mu.Unlock()
}

func (f *Fake) ThreadHasMember(threadID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threadMembers[threadID][userID]
}

func (f *Fake) LastResponse() (Response, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Responses) == 0 {
		return Response{}, false
	}
	return f.Responses[len(f.Responses)-1], true
}

// ---- kit.Client ----

func (f *Fake) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *Fake) Stop(context.Context) error                     { return nil }
func (f *Fake) WaitReady(context.Context) error                { return nil }

func (f *Fake) RegisterCommands(_ context.Context, guildID string, cmds []kit.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("RegisterCommands"); err != nil {
		return err
	}
	f.Commands[guildID] = cmds
	return nil
}

func (f *Fake) Guilds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.guilds...)
}

func (f *Fake) BotUserID() string { return f.BotID }

func (f *Fake) Channel(_ context.Context, channelID string) (kit.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Channel"); err != nil {
		return kit.Channel{}, err
	}
	c, ok := f.channels[channelID]
	if !ok {
		return kit.Channel{}, kit.ErrNotFound
	}
	return c, nil
}

func (f *Fake) Role(_ context.Context, guildID, roleID string) (kit.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[guildID][roleID]
	if !ok {
		return kit.Role{}, kit.ErrNotFound
	}
	return r, nil
}

func (f *Fake) Member(_ context.Context, guildID, userID string) (kit.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Member"); err != nil {
		return kit.Member{}, err
	}
	m := f.members[guildID][userID]
	if m == nil {
		return kit.Member{}, kit.ErrNotFound
	}
	cp := *m
	cp.Roles = append([]string(nil), m.Roles...)
	return cp, nil
}

func (f *Fake) Members(_ context.Context, guildID string) ([]kit.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Members"); err != nil {
		return nil, err
	}
	out := make([]kit.Member, 0, len(f.members[guildID]))
	for _, m := range f.members[guildID] {
		cp := *m
		cp.Roles = append([]string(nil), m.Roles...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out, nil
}

func (f *Fake) SendMessage(_ context.Context, channelID string, msg kit.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("SendMessage"); err != nil {
		return "", err
	}
	id := f.nextID("msg")
	f.Messages = append(f.Messages, SentMessage{ID: id, ChannelID: channelID, Message: msg})
	return id, nil
}

func (f *Fake) SendDirect(_ context.Context, userID string, msg kit.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("SendDirect"); err != nil {
		return err
	}
	f.Directs[userID] = append(f.Directs[userID], msg)
	return nil
}

func (f *Fake) EditMessage(_ context.Context, channelID, messageID string, msg kit.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Messages {
		if f.Messages[i].ID == messageID && !f.Messages[i].Deleted {
			f.Messages[i].Message = msg
			return nil
		}
	}
	return kit.ErrNotFound
}

func (f *Fake) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Messages {
		if f.Messages[i].ID == messageID && !f.Messages[i].Deleted {
			f.Messages[i].Deleted = true
			return nil
		}
	}
	return kit.ErrNotFound
}

func (f *Fake) CreatePoll(_ context.Context, channelID string, msg kit.Message, poll kit.PollSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreatePoll"); err != nil {
		return "", err
	}
	id := f.nextID("poll")
	msg.Poll = &poll
	f.Messages = append(f.Messages, SentMessage{ID: id, ChannelID: channelID, Message: msg})
	p := &FakePoll{
		Poll: kit.Poll{
			ChannelID: channelID,
			MessageID: id,
			Question:  poll.Question,
			Expiry:    f.now().Add(poll.Duration),
		},
		Voters: map[int][]kit.User{},
	}
	for i, a := range poll.Answers {
		p.Answers = append(p.Answers, kit.PollAnswer{ID: i + 1, Text: a.Text})
	}
	f.Polls[id] = p
	return id, nil
}

func (f *Fake) PollMessage(_ context.Context, channelID, messageID string, fresh bool) (kit.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("PollMessage"); err != nil {
		return kit.Poll{}, err
	}
	p := f.Polls[messageID]
	if p == nil || p.ChannelID != channelID {
		return kit.Poll{}, kit.ErrNotFound
	}
	out := p.Poll
	out.Answers = append([]kit.PollAnswer(nil), p.Answers...)
	return out, nil
}

func (f *Fake) EndPoll(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("EndPoll"); err != nil {
		return err
	}
	p := f.Polls[messageID]
	if p == nil {
		return kit.ErrNotFound
	}
	if p.Finalized {
		return kit.ErrPollExpired
	}
	p.Ended = true
	p.Finalized = true
	return nil
}

func (f *Fake) PollVoters(_ context.Context, channelID, messageID string, answerID int) ([]kit.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("PollVoters"); err != nil {
		return nil, err
	}
	p := f.Polls[messageID]
	if p == nil {
		return nil, kit.ErrNotFound
	}
	return append([]kit.User(nil), p.Voters[answerID]...), nil
}

func (f *Fake) AddRoles(_ context.Context, guildID, userID string, roleIDs []string) error {
	return f.editRoles("AddRoles", guildID, userID, roleIDs, nil)
}

func (f *Fake) RemoveRoles(_ context.Context, guildID, userID string, roleIDs []string) error {
	return f.editRoles("RemoveRoles", guildID, userID, nil, roleIDs)
}

func (f *Fake) editRoles(op, guildID, userID string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(op); err != nil {
		return err
	}
	m := f.members[guildID][userID]
	if m == nil {
		return kit.ErrNotFound
	}
	f.RoleEdits++
	roles := m.Roles[:0:0]
	for _, r := range m.Roles {
		if !slices.Contains(remove, r) {
			roles = append(roles, r)
		}
	}
	for _, r := range add {
		if !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	m.Roles = roles
	return nil
}

func (f *Fake) CreateThread(_ context.Context, spec kit.ThreadSpec) (kit.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateThread"); err != nil {
		return kit.Channel{}, err
	}
	parent := f.channels[spec.ParentID]
	c := kit.Channel{ID: f.nextID("thread"), GuildID: parent.GuildID, ParentID: spec.ParentID, Name: spec.Name, Thread: true}
	f.channels[c.ID] = c
	return c, nil
}

func (f *Fake) LockThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[threadID]
	if !ok {
		return kit.ErrNotFound
	}
	c.Locked = true
	f.channels[threadID] = c
	return nil
}

func (f *Fake) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[channelID]; !ok {
		return kit.ErrNotFound
	}
	delete(f.channels, channelID)
	return nil
}

func (f *Fake) AddThreadMember(_ context.Context, threadID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadMembers[threadID] == nil {
		f.threadMembers[threadID] = map[string]bool{}
	}
	f.threadMembers[threadID][userID] = true
	return nil
}

func (f *Fake) RemoveThreadMember(_ context.Context, threadID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threadMembers[threadID], userID)
	return nil
}

func (f *Fake) Respond(_ context.Context, in *kit.Interaction, resp kit.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Respond"); err != nil {
		return err
	}
	f.Responses = append(f.Responses, Response{Interaction: in, Response: resp})
	return nil
}

var _ kit.Client = (*Fake)(nil)
