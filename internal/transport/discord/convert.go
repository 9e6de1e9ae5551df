package discord

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	kit "councilbot/internal/transport"
)

func toUser(u *discordgo.User) kit.User {
	if u == nil {
		return kit.User{}
	}
	return kit.User{ID: u.ID, Name: u.Username, GlobalName: u.GlobalName, Bot: u.Bot}
}

func toMember(guildID string, m *discordgo.Member) kit.Member {
	gid := guildID
	if gid == "" {
		gid = m.GuildID
	}
	roles := make([]string, len(m.Roles))
	copy(roles, m.Roles)
	return kit.Member{GuildID: gid, User: toUser(m.User), Roles: roles}
}

func toChannel(c *discordgo.Channel) kit.Channel {
	out := kit.Channel{ID: c.ID, GuildID: c.GuildID, ParentID: c.ParentID, Name: c.Name, Thread: c.IsThread()}
	if c.ThreadMetadata != nil {
		out.Locked = c.ThreadMetadata.Locked
	}
	return out
}

func toInteraction(i *discordgo.Interaction) *kit.Interaction {
	if i == nil {
		return nil
	}
	in := &kit.Interaction{
		ID:        i.ID,
		Token:     i.Token,
		GuildID:   i.GuildID,
		ChannelID: i.ChannelID,
		Raw:       i,
	}
	if i.Member != nil {
		mem := toMember(i.GuildID, i.Member)
		in.Member = &mem
		in.User = mem.User
		perms := i.Member.Permissions
		in.IsAdmin = perms&discordgo.PermissionAdministrator != 0
		in.CanManageRoles = in.IsAdmin || perms&discordgo.PermissionManageRoles != 0
	} else if i.User != nil {
		in.User = toUser(i.User)
	}
	if i.Message != nil {
		in.MessageID = i.Message.ID
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		in.Kind = kit.InteractionCommand
		in.Command = data.Name
		in.Options = map[string]string{}
		opts := data.Options
		if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
			in.Subcommand = opts[0].Name
			opts = opts[0].Options
		} else if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommandGroup {
			group := opts[0]
			if len(group.Options) == 1 {
				in.Subcommand = group.Name + " " + group.Options[0].Name
				opts = group.Options[0].Options
			}
		}
		for _, o := range opts {
			in.Options[o.Name] = optionString(o)
		}
	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		in.Kind = kit.InteractionComponent
		in.CustomID = data.CustomID
		in.Values = append([]string(nil), data.Values...)
	default:
		return nil
	}
	return in
}

func optionString(o *discordgo.ApplicationCommandInteractionDataOption) string {
	switch v := o.Value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// parseEmoji accepts a unicode emoji or a custom "<:name:id>" / "<a:name:id>" reference.
func parseEmoji(s string) *discordgo.ComponentEmoji {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		parts := strings.Split(strings.Trim(s, "<>"), ":")
		if len(parts) == 3 {
			return &discordgo.ComponentEmoji{Name: parts[1], ID: parts[2], Animated: parts[0] == "a"}
		}
	}
	return &discordgo.ComponentEmoji{Name: s}
}

func buttonStyle(st kit.ButtonStyle) discordgo.ButtonStyle {
	switch st {
	case kit.ButtonSecondary:
		return discordgo.SecondaryButton
	case kit.ButtonSuccess:
		return discordgo.SuccessButton
	case kit.ButtonDanger:
		return discordgo.DangerButton
	default:
		return discordgo.PrimaryButton
	}
}

// components lays buttons out five per row, followed by the select menu on its own row.
func components(buttons []kit.Button, sel *kit.Select) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for start := 0; start < len(buttons); start += 5 {
		end := min(start+5, len(buttons))
		row := discordgo.ActionsRow{}
		for _, b := range buttons[start:end] {
			row.Components = append(row.Components, discordgo.Button{
				CustomID: b.CustomID,
				Label:    b.Label,
				Style:    buttonStyle(b.Style),
				Emoji:    parseEmoji(b.Emoji),
			})
		}
		rows = append(rows, row)
	}
	if sel != nil && len(sel.Options) > 0 {
		minValues := sel.MinValues
		menu := discordgo.SelectMenu{
			MenuType:    discordgo.StringSelectMenu,
			CustomID:    sel.CustomID,
			Placeholder: sel.Placeholder,
			MinValues:   &minValues,
			MaxValues:   sel.MaxValues,
		}
		for _, o := range sel.Options {
			menu.Options = append(menu.Options, discordgo.SelectMenuOption{
				Label:       o.Label,
				Value:       o.Value,
				Description: o.Description,
				Emoji:       parseEmoji(o.Emoji),
			})
		}
		rows = append(rows, discordgo.ActionsRow{Components: []discordgo.MessageComponent{menu}})
	}
	return rows
}

func toEmbed(e *kit.Embed) *discordgo.MessageEmbed {
	if e == nil {
		return nil
	}
	out := &discordgo.MessageEmbed{Title: e.Title, Description: e.Description, Color: e.Color}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}

func allowedMentions(m kit.Mentions) *discordgo.MessageAllowedMentions {
	out := &discordgo.MessageAllowedMentions{
		Parse: []discordgo.AllowedMentionType{},
		Roles: m.Roles,
		Users: m.Users,
	}
	if m.Everyone {
		out.Parse = append(out.Parse, discordgo.AllowedMentionTypeEveryone)
	}
	return out
}

func toPoll(p kit.PollSpec) *discordgo.Poll {
	hours := int((p.Duration + time.Hour - 1) / time.Hour)
	if hours < 1 {
		hours = 1
	}
	out := &discordgo.Poll{
		Question:         discordgo.PollMedia{Text: p.Question},
		AllowMultiselect: p.AllowMultiselect,
		Duration:         hours,
	}
	for _, a := range p.Answers {
		out.Answers = append(out.Answers, discordgo.PollAnswer{
			Media: &discordgo.PollMedia{Text: a.Text, Emoji: parseEmoji(a.Emoji)},
		})
	}
	return out
}

func messageSend(msg kit.Message) *discordgo.MessageSend {
	send := &discordgo.MessageSend{
		Content:         msg.Content,
		Components:      components(msg.Buttons, msg.Select),
		AllowedMentions: allowedMentions(msg.Mentions),
	}
	if e := toEmbed(msg.Embed); e != nil {
		send.Embeds = []*discordgo.MessageEmbed{e}
	}
	if msg.Poll != nil {
		send.Poll = toPoll(*msg.Poll)
	}
	return send
}

func fromPoll(channelID string, m *discordgo.Message) kit.Poll {
	out := kit.Poll{ChannelID: channelID, MessageID: m.ID}
	if m.Poll == nil {
		return out
	}
	p := m.Poll
	out.Question = p.Question.Text
	if p.Expiry != nil {
		out.Expiry = *p.Expiry
	}
	counts := map[int]int{}
	if p.Results != nil {
		out.Finalized = p.Results.Finalized
		for _, c := range p.Results.AnswerCounts {
			if c != nil {
				counts[c.ID] = c.Count
			}
		}
	}
	for _, a := range p.Answers {
		text := ""
		if a.Media != nil {
			text = a.Media.Text
		}
		out.Answers = append(out.Answers, kit.PollAnswer{ID: a.AnswerID, Text: text, Count: counts[a.AnswerID]})
	}
	return out
}

func commandOptionType(t kit.OptionType) discordgo.ApplicationCommandOptionType {
	switch t {
	case kit.OptionInteger:
		return discordgo.ApplicationCommandOptionInteger
	case kit.OptionUser:
		return discordgo.ApplicationCommandOptionUser
	case kit.OptionRole:
		return discordgo.ApplicationCommandOptionRole
	default:
		return discordgo.ApplicationCommandOptionString
	}
}

func commandOptions(opts []kit.CommandOption) []*discordgo.ApplicationCommandOption {
	out := make([]*discordgo.ApplicationCommandOption, 0, len(opts))
	for _, o := range opts {
		opt := &discordgo.ApplicationCommandOption{
			Type:        commandOptionType(o.Type),
			Name:        o.Name,
			Description: o.Description,
			Required:    o.Required,
		}
		for _, c := range o.Choices {
			opt.Choices = append(opt.Choices, &discordgo.ApplicationCommandOptionChoice{Name: c, Value: c})
		}
		out = append(out, opt)
	}
	return out
}

func toApplicationCommand(c kit.Command) *discordgo.ApplicationCommand {
	out := &discordgo.ApplicationCommand{Name: c.Name, Description: c.Description}
	if len(c.Subcommands) == 0 {
		out.Options = commandOptions(c.Options)
		return out
	}
	groups := map[string]*discordgo.ApplicationCommandOption{}
	for _, sc := range c.Subcommands {
		sub := &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        sc.Name,
			Description: sc.Description,
			Options:     commandOptions(sc.Options),
		}
		// "group name" declares a subcommand inside a group.
		if group, name, ok := strings.Cut(sc.Name, " "); ok {
			sub.Name = name
			g := groups[group]
			if g == nil {
				g = &discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionSubCommandGroup,
					Name:        group,
					Description: group,
				}
				groups[group] = g
				out.Options = append(out.Options, g)
			}
			g.Options = append(g.Options, sub)
			continue
		}
		out.Options = append(out.Options, sub)
	}
	return out
}
