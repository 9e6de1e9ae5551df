// Package transport is the platform-neutral view of the chat platform: the
// types services exchange and the Client they call. internal/transport/discord
// is the production adapter; transporttest holds an in-memory fake.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a channel, message, member or role is gone.
	ErrNotFound = errors.New("transport: not found")
	// ErrPollExpired is returned by EndPoll when the poll already closed.
	ErrPollExpired = errors.New("transport: poll already expired")
	// ErrForbidden is returned when the bot lacks permission for the call.
	ErrForbidden = errors.New("transport: missing permissions")
)

type User struct {
	ID         string
	Name       string
	GlobalName string
	Bot        bool
}

// DisplayName prefers the global display name.
func (u User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Name
}

func (u User) Mention() string { return "<@" + u.ID + ">" }

type Member struct {
	GuildID string
	User    User
	Roles   []string
}

func (m Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

type Channel struct {
	ID       string
	GuildID  string
	ParentID string
	Name     string
	Thread   bool
	Locked   bool
}

type Role struct {
	ID   string
	Name string
}

// RoleMention renders a role ping.
func RoleMention(roleID string) string { return "<@&" + roleID + ">" }

// ChannelMention renders a channel link.
func ChannelMention(channelID string) string { return "<#" + channelID + ">" }

// RelativeTime renders a client-localized relative timestamp ("in 3 hours").
func RelativeTime(t time.Time) string { return "<t:" + itoa(t.Unix()) + ":R>" }

// LongTime renders a client-localized long date/time.
func LongTime(t time.Time) string { return "<t:" + itoa(t.Unix()) + ":F>" }

// ---- Messages ----

type ButtonStyle int

const (
	ButtonPrimary ButtonStyle = iota + 1
	ButtonSecondary
	ButtonSuccess
	ButtonDanger
)

type Button struct {
	CustomID string
	Label    string
	Emoji    string
	Style    ButtonStyle
}

type SelectOption struct {
	Label       string
	Value       string
	Description string
	Emoji       string
}

type Select struct {
	CustomID    string
	Placeholder string
	MinValues   int
	MaxValues   int
	Options     []SelectOption
}

type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
}

// Colors used by the bot's embeds.
const (
	ColorGreen = 0x2ecc71
	ColorRed   = 0xe74c3c
	ColorGold  = 0xf1c40f
	ColorGrey  = 0x546e7a
	ColorBrand = 0x637b65
)

// Mentions restricts which pings a message may trigger. The zero value pings nobody.
type Mentions struct {
	Roles    []string
	Users    []string
	Everyone bool
}

type Message struct {
	Content  string
	Embed    *Embed
	Buttons  []Button
	Select   *Select
	Poll     *PollSpec
	Mentions Mentions
}

// ---- Polls ----

type PollAnswerSpec struct {
	Text  string
	Emoji string
}

type PollSpec struct {
	Question         string
	Answers          []PollAnswerSpec
	Duration         time.Duration
	AllowMultiselect bool
}

type PollAnswer struct {
	ID    int
	Text  string
	Count int
}

// Poll is a snapshot of a poll message.
type Poll struct {
	ChannelID string
	MessageID string
	Question  string
	Answers   []PollAnswer
	Expiry    time.Time
	// Finalized is set once the platform has closed the poll and the counts are final.
	Finalized bool
}

// AnswerByText finds an answer by case-insensitive label.
func (p Poll) AnswerByText(text string) (PollAnswer, bool) {
	for _, a := range p.Answers {
		if strings.EqualFold(strings.TrimSpace(a.Text), text) {
			return a, true
		}
	}
	return PollAnswer{}, false
}

// ---- Threads ----

type ThreadSpec struct {
	ParentID string
	Name     string
	Private  bool
	// StarterMessageID opens a public thread on an existing message.
	StarterMessageID string
	AutoArchive      time.Duration
}

// ---- Interactions & updates ----

type InteractionKind string

const (
	InteractionCommand   InteractionKind = "command"
	InteractionComponent InteractionKind = "component"
)

type Interaction struct {
	ID        string
	Token     string
	Kind      InteractionKind
	GuildID   string
	ChannelID string
	MessageID string
	User      User
	Member    *Member
	// CanManageRoles reports whether the invoking member holds Manage Roles
	// (or Administrator, or owns the guild).
	CanManageRoles bool
	// IsAdmin reports Administrator or guild ownership.
	IsAdmin bool

	Command    string
	Subcommand string
	Options    map[string]string

	CustomID string
	Values   []string

	// Raw is the adapter's native payload.
	Raw any
}

func (in *Interaction) Option(name string) string {
	if in == nil || in.Options == nil {
		return ""
	}
	return in.Options[name]
}

type Response struct {
	Content   string
	Embed     *Embed
	Buttons   []Button
	Select    *Select
	Ephemeral bool
	// Defer acknowledges now; a later Respond on the same interaction edits it.
	Defer bool
}

type UpdateKind string

const (
	UpdateReady         UpdateKind = "ready"
	UpdateInteraction   UpdateKind = "interaction"
	UpdateMemberJoin    UpdateKind = "member_join"
	UpdateMemberUpdate  UpdateKind = "member_update"
	UpdateMemberRemoved UpdateKind = "member_remove"
)

type Update struct {
	Kind        UpdateKind
	GuildID     string
	Member      *Member
	Interaction *Interaction
}

// ---- Commands ----

type OptionType int

const (
	OptionString OptionType = iota + 1
	OptionInteger
	OptionUser
	OptionRole
)

type CommandOption struct {
	Name        string
	Description string
	Type        OptionType
	Required    bool
	Choices     []string
}

type Subcommand struct {
	Name        string
	Description string
	Options     []CommandOption
}

type Command struct {
	Name        string
	Description string
	Options     []CommandOption
	Subcommands []Subcommand
}

// Notification is a queued outbound message for the notifier.
type Notification struct {
	// Exactly one of ChannelID or UserID is set; UserID sends a DM.
	ChannelID string
	UserID    string
	Message   Message
	// DedupKey suppresses repeats of the same logical notification.
	DedupKey string
	Priority int // 0 low .. 10 high
}

// ---- Client ----

type Client interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	WaitReady(ctx context.Context) error
	RegisterCommands(ctx context.Context, guildID string, cmds []Command) error

	Guilds() []string
	BotUserID() string
	Channel(ctx context.Context, channelID string) (Channel, error)
	Role(ctx context.Context, guildID, roleID string) (Role, error)
	Member(ctx context.Context, guildID, userID string) (Member, error)
	// Members drains the full member list.
	Members(ctx context.Context, guildID string) ([]Member, error)

	SendMessage(ctx context.Context, channelID string, msg Message) (string, error)
	SendDirect(ctx context.Context, userID string, msg Message) error
	EditMessage(ctx context.Context, channelID, messageID string, msg Message) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	CreatePoll(ctx context.Context, channelID string, msg Message, poll PollSpec) (string, error)
	// PollMessage loads a poll. fresh bypasses any local cache.
	PollMessage(ctx context.Context, channelID, messageID string, fresh bool) (Poll, error)
	EndPoll(ctx context.Context, channelID, messageID string) error
	// PollVoters drains every voter of one answer.
	PollVoters(ctx context.Context, channelID, messageID string, answerID int) ([]User, error)

	// AddRoles and RemoveRoles apply a batch in a single member edit.
	AddRoles(ctx context.Context, guildID, userID string, roleIDs []string) error
	RemoveRoles(ctx context.Context, guildID, userID string, roleIDs []string) error

	CreateThread(ctx context.Context, spec ThreadSpec) (Channel, error)
	LockThread(ctx context.Context, threadID string) error
	DeleteChannel(ctx context.Context, channelID string) error
	AddThreadMember(ctx context.Context, threadID, userID string) error
	RemoveThreadMember(ctx context.Context, threadID, userID string) error

	Respond(ctx context.Context, in *Interaction, resp Response) error
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
