package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	kit "councilbot/internal/transport"
	logx "councilbot/pkg/logx"
)

// mapErr folds REST status codes into transport sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", kit.ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", kit.ErrForbidden, err)
		}
	}
	return err
}

func (a *Adapter) Channel(ctx context.Context, channelID string) (kit.Channel, error) {
	c, err := a.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return kit.Channel{}, mapErr(err)
	}
	return toChannel(c), nil
}

func (a *Adapter) Role(ctx context.Context, guildID, roleID string) (kit.Role, error) {
	if r, err := a.s.State.Role(guildID, roleID); err == nil && r != nil {
		return kit.Role{ID: r.ID, Name: r.Name}, nil
	}
	roles, err := a.s.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return kit.Role{}, mapErr(err)
	}
	for _, r := range roles {
		if r.ID == roleID {
			return kit.Role{ID: r.ID, Name: r.Name}, nil
		}
	}
	return kit.Role{}, fmt.Errorf("%w: role %s", kit.ErrNotFound, roleID)
}

func (a *Adapter) Member(ctx context.Context, guildID, userID string) (kit.Member, error) {
	m, err := a.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return kit.Member{}, mapErr(err)
	}
	return toMember(guildID, m), nil
}

const memberPageSize = 1000

func (a *Adapter) Members(ctx context.Context, guildID string) ([]kit.Member, error) {
	var out []kit.Member
	after := ""
	for {
		page, err := a.s.GuildMembers(guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapErr(err)
		}
		for _, m := range page {
			out = append(out, toMember(guildID, m))
		}
		if len(page) < memberPageSize {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

func (a *Adapter) SendMessage(ctx context.Context, channelID string, msg kit.Message) (string, error) {
	m, err := a.s.ChannelMessageSendComplex(channelID, messageSend(msg), discordgo.WithContext(ctx))
	if err != nil {
		return "", mapErr(err)
	}
	return m.ID, nil
}

func (a *Adapter) SendDirect(ctx context.Context, userID string, msg kit.Message) error {
	ch, err := a.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return mapErr(err)
	}
	_, err = a.SendMessage(ctx, ch.ID, msg)
	return err
}

func (a *Adapter) EditMessage(ctx context.Context, channelID, messageID string, msg kit.Message) error {
	edit := discordgo.NewMessageEdit(channelID, messageID)
	edit.Content = &msg.Content
	comps := components(msg.Buttons, msg.Select)
	edit.Components = &comps
	embeds := []*discordgo.MessageEmbed{}
	if e := toEmbed(msg.Embed); e != nil {
		embeds = append(embeds, e)
	}
	edit.Embeds = &embeds
	edit.AllowedMentions = allowedMentions(msg.Mentions)
	_, err := a.s.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return mapErr(a.s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)))
}

func (a *Adapter) CreatePoll(ctx context.Context, channelID string, msg kit.Message, poll kit.PollSpec) (string, error) {
	msg.Poll = &poll
	return a.SendMessage(ctx, channelID, msg)
}

func (a *Adapter) PollMessage(ctx context.Context, channelID, messageID string, fresh bool) (kit.Poll, error) {
	if !fresh && a.s.State != nil {
		if m, err := a.s.State.Message(channelID, messageID); err == nil && m != nil && m.Poll != nil {
			return fromPoll(channelID, m), nil
		}
	}
	m, err := a.s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return kit.Poll{}, mapErr(err)
	}
	if m.Poll == nil {
		return kit.Poll{}, fmt.Errorf("%w: message %s has no poll", kit.ErrNotFound, messageID)
	}
	return fromPoll(channelID, m), nil
}

func pollEndpoint(channelID, messageID string) string {
	return discordgo.EndpointChannels + channelID + "/polls/" + messageID
}

func (a *Adapter) EndPoll(ctx context.Context, channelID, messageID string) error {
	_, err := a.s.RequestWithBucketID(http.MethodPost,
		pollEndpoint(channelID, messageID)+"/expire", nil,
		discordgo.EndpointChannels+channelID+"/polls/expire",
		discordgo.WithContext(ctx))
	if err == nil {
		return nil
	}
	// An already closed poll rejects expiry; report that distinctly so callers still read the results.
	if p, perr := a.PollMessage(ctx, channelID, messageID, true); perr == nil {
		if p.Finalized || (!p.Expiry.IsZero() && !p.Expiry.After(time.Now())) {
			return kit.ErrPollExpired
		}
	}
	return mapErr(err)
}

const voterPageSize = 100

func (a *Adapter) PollVoters(ctx context.Context, channelID, messageID string, answerID int) ([]kit.User, error) {
	base := pollEndpoint(channelID, messageID) + "/answers/" + strconv.Itoa(answerID)
	bucket := discordgo.EndpointChannels + channelID + "/polls/answers"
	var out []kit.User
	after := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(voterPageSize))
		if after != "" {
			q.Set("after", after)
		}
		body, err := a.s.RequestWithBucketID(http.MethodGet, base+"?"+q.Encode(), nil, bucket, discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapErr(err)
		}
		var page struct {
			Users []*discordgo.User `json:"users"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode poll voters: %w", err)
		}
		for _, u := range page.Users {
			out = append(out, toUser(u))
		}
		if len(page.Users) < voterPageSize {
			return out, nil
		}
		after = page.Users[len(page.Users)-1].ID
	}
}

func (a *Adapter) AddRoles(ctx context.Context, guildID, userID string, roleIDs []string) error {
	return a.editRoles(ctx, guildID, userID, roleIDs, nil)
}

func (a *Adapter) RemoveRoles(ctx context.Context, guildID, userID string, roleIDs []string) error {
	return a.editRoles(ctx, guildID, userID, nil, roleIDs)
}

func (a *Adapter) editRoles(ctx context.Context, guildID, userID string, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	m, err := a.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return mapErr(err)
	}
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[r] = true
	}
	seen := map[string]bool{}
	roles := make([]string, 0, len(m.Roles)+len(add))
	for _, r := range append(append([]string(nil), m.Roles...), add...) {
		if drop[r] || seen[r] {
			continue
		}
		seen[r] = true
		roles = append(roles, r)
	}
	_, err = a.s.GuildMemberEdit(guildID, userID, &discordgo.GuildMemberParams{Roles: &roles}, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) CreateThread(ctx context.Context, spec kit.ThreadSpec) (kit.Channel, error) {
	archive := int(spec.AutoArchive / time.Minute)
	if archive <= 0 {
		archive = 10080
	}
	data := &discordgo.ThreadStart{Name: spec.Name, AutoArchiveDuration: archive}
	var (
		ch  *discordgo.Channel
		err error
	)
	if spec.StarterMessageID != "" {
		ch, err = a.s.MessageThreadStartComplex(spec.ParentID, spec.StarterMessageID, data, discordgo.WithContext(ctx))
	} else {
		data.Type = discordgo.ChannelTypeGuildPublicThread
		if spec.Private {
			data.Type = discordgo.ChannelTypeGuildPrivateThread
			data.Invitable = false
		}
		ch, err = a.s.ThreadStartComplex(spec.ParentID, data, discordgo.WithContext(ctx))
	}
	if err != nil {
		return kit.Channel{}, mapErr(err)
	}
	return toChannel(ch), nil
}

func (a *Adapter) LockThread(ctx context.Context, threadID string) error {
	locked := true
	_, err := a.s.ChannelEditComplex(threadID, &discordgo.ChannelEdit{Locked: &locked}, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := a.s.ChannelDelete(channelID, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) AddThreadMember(ctx context.Context, threadID, userID string) error {
	return mapErr(a.s.ThreadMemberAdd(threadID, userID, discordgo.WithContext(ctx)))
}

func (a *Adapter) RemoveThreadMember(ctx context.Context, threadID, userID string) error {
	return mapErr(a.s.ThreadMemberRemove(threadID, userID, discordgo.WithContext(ctx)))
}

func (a *Adapter) Respond(ctx context.Context, in *kit.Interaction, resp kit.Response) error {
	raw, ok := in.Raw.(*discordgo.Interaction)
	if !ok || raw == nil {
		return errors.New("discord: interaction has no native payload")
	}
	embeds := []*discordgo.MessageEmbed{}
	if e := toEmbed(resp.Embed); e != nil {
		embeds = append(embeds, e)
	}
	comps := components(resp.Buttons, resp.Select)

	if _, deferred := a.deferred.LoadAndDelete(in.ID); deferred {
		if resp.Defer {
			return nil
		}
		content := resp.Content
		_, err := a.s.InteractionResponseEdit(raw, &discordgo.WebhookEdit{
			Content:    &content,
			Embeds:     &embeds,
			Components: &comps,
		}, discordgo.WithContext(ctx))
		return mapErr(err)
	}

	var flags discordgo.MessageFlags
	if resp.Ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	if resp.Defer {
		a.deferred.Store(in.ID, struct{}{})
		err := a.s.InteractionRespond(raw, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: flags},
		}, discordgo.WithContext(ctx))
		if err != nil {
			a.deferred.Delete(in.ID)
		}
		return mapErr(err)
	}
	err := a.s.InteractionRespond(raw, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         resp.Content,
			Embeds:          embeds,
			Components:      comps,
			Flags:           flags,
			AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
		},
	}, discordgo.WithContext(ctx))
	return mapErr(err)
}

func (a *Adapter) RegisterCommands(ctx context.Context, guildID string, cmds []kit.Command) error {
	appID := a.BotUserID()
	if appID == "" {
		return errors.New("discord: register commands before ready")
	}
	payload := make([]*discordgo.ApplicationCommand, 0, len(cmds))
	for _, c := range cmds {
		payload = append(payload, toApplicationCommand(c))
	}
	_, err := a.s.ApplicationCommandBulkOverwrite(appID, guildID, payload, discordgo.WithContext(ctx))
	if err != nil {
		return mapErr(err)
	}
	a.log.Info("commands registered", logx.String("guild", guildID), logx.Int("count", len(payload)))
	return nil
}
