package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	kit "councilbot/internal/transport"
)

func TestParseEmoji(t *testing.T) {
	t.Parallel()
	if parseEmoji("  ") != nil {
		t.Fatal("blank emoji should be nil")
	}
	if e := parseEmoji("✅"); e.Name != "✅" || e.ID != "" {
		t.Fatalf("unicode = %+v", e)
	}
	e := parseEmoji("<a:party:123>")
	if e.Name != "party" || e.ID != "123" || !e.Animated {
		t.Fatalf("custom = %+v", e)
	}
}

func TestComponentsRowLayout(t *testing.T) {
	t.Parallel()
	buttons := make([]kit.Button, 6)
	for i := range buttons {
		buttons[i] = kit.Button{CustomID: "b", Label: "x"}
	}
	sel := &kit.Select{CustomID: "s", MinValues: 1, MaxValues: 2, Options: []kit.SelectOption{{Label: "a", Value: "1"}}}
	rows := components(buttons, sel)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if n := len(rows[0].(discordgo.ActionsRow).Components); n != 5 {
		t.Fatalf("first row = %d buttons", n)
	}
	menu := rows[2].(discordgo.ActionsRow).Components[0].(discordgo.SelectMenu)
	if *menu.MinValues != 1 || menu.MaxValues != 2 {
		t.Fatalf("menu bounds = %d..%d", *menu.MinValues, menu.MaxValues)
	}
	if len(components(nil, &kit.Select{CustomID: "empty"})) != 0 {
		t.Fatal("empty select should be omitted")
	}
}

func TestToPollRoundsUpHours(t *testing.T) {
	t.Parallel()
	p := toPoll(kit.PollSpec{Question: "q", Duration: 90 * time.Minute, Answers: []kit.PollAnswerSpec{{Text: "Yes"}, {Text: "No"}}})
	if p.Duration != 2 || len(p.Answers) != 2 {
		t.Fatalf("poll = %+v", p)
	}
	if toPoll(kit.PollSpec{}).Duration != 1 {
		t.Fatal("zero duration should clamp to one hour")
	}
}

func TestFromPollMatchesCounts(t *testing.T) {
	t.Parallel()
	m := &discordgo.Message{ID: "m1", Poll: &discordgo.Poll{
		Question: discordgo.PollMedia{Text: "q"},
		Answers: []discordgo.PollAnswer{
			{AnswerID: 1, Media: &discordgo.PollMedia{Text: "Yes"}},
			{AnswerID: 2, Media: &discordgo.PollMedia{Text: "No"}},
		},
		Results: &discordgo.PollResults{Finalized: true, AnswerCounts: []*discordgo.PollAnswerCount{{ID: 2, Count: 4}}},
	}}
	p := fromPoll("c1", m)
	if !p.Finalized {
		t.Fatal("expected finalized")
	}
	no, ok := p.AnswerByText("no")
	if !ok || no.Count != 4 || no.ID != 2 {
		t.Fatalf("no answer = %+v ok=%v", no, ok)
	}
	if yes, _ := p.AnswerByText("Yes"); yes.Count != 0 {
		t.Fatalf("yes count = %d", yes.Count)
	}
}

func TestToApplicationCommandGroups(t *testing.T) {
	t.Parallel()
	cmd := toApplicationCommand(kit.Command{
		Name: "configuration",
		Subcommands: []kit.Subcommand{
			{Name: "set-role council-role", Options: []kit.CommandOption{{Name: "role", Type: kit.OptionRole, Required: true}}},
			{Name: "view"},
		},
	})
	if len(cmd.Options) != 2 {
		t.Fatalf("top-level options = %d", len(cmd.Options))
	}
	group := cmd.Options[0]
	if group.Type != discordgo.ApplicationCommandOptionSubCommandGroup || group.Name != "set-role" {
		t.Fatalf("group = %+v", group)
	}
	if group.Options[0].Name != "council-role" || group.Options[0].Options[0].Type != discordgo.ApplicationCommandOptionRole {
		t.Fatalf("nested = %+v", group.Options[0])
	}
}
