package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `discord:
  token: file-token
  review_channel_id: "100"
logging:
  level: debug
  console: true
votes:
  vote_time: 2d
  ping_before_close: 12h
  council_role_id: "555"
reconcile:
  schedule: "@every 6h"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseYAMLAndJSON(t *testing.T) {
	y := NewConfigManager(writeFile(t, "bot.yaml", sampleYAML))
	cfg, err := y.Parse()
	if err != nil {
		t.Fatalf("yaml parse: %v", err)
	}
	if cfg.Discord.ReviewChannelID != "100" || cfg.Votes.VoteTime != "2d" {
		t.Fatalf("yaml cfg = %+v", cfg)
	}

	j := NewConfigManager(writeFile(t, "bot.json", `{"discord":{"token":"x","review_channel_id":"1"},"logging":{"level":"info"}}`))
	if _, err := j.Parse(); err != nil {
		t.Fatalf("json parse: %v", err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	cases := map[string]string{
		"unknown.json":  `{"discord":{"token":"x"},"telegram":{}}`,
		"trailing.json": `{"discord":{"token":"x"}} {}`,
		"unknown.yaml":  "votes:\n  vote_length: 3d\n",
	}
	for name, body := range cases {
		if _, err := NewConfigManager(writeFile(t, name, body)).Parse(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestApplyEnvFillsEmptySecrets(t *testing.T) {
	t.Setenv(EnvDiscordToken, "env-token")
	t.Setenv(EnvStorageDSN, "postgres://x")

	cfg := &Config{}
	ApplyEnv(cfg)
	if cfg.Discord.Token != "env-token" {
		t.Fatalf("token = %q", cfg.Discord.Token)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://x" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}

	set := &Config{Discord: DiscordConfig{Token: "file"}}
	ApplyEnv(set)
	if set.Discord.Token != "file" {
		t.Fatal("env must not override a configured token")
	}
}

func TestVotesResolve(t *testing.T) {
	t.Parallel()
	s, err := VotesConfig{}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if s != DefaultVoteSettings() {
		t.Fatalf("defaults = %+v", s)
	}

	zero := 0
	s, err = VotesConfig{VoteTime: "1w", PingBeforeClose: "2d", NetVotesRequired: &zero, TimeBetweenApplications: "0"}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if s.VoteTime != 7*24*time.Hour || s.PingBeforeClose != 48*time.Hour || s.NetVotesRequired != 0 || s.TimeBetweenApplications != 0 {
		t.Fatalf("resolved = %+v", s)
	}

	bad := []VotesConfig{
		{VoteTime: "8d"},
		{VoteTime: "30m"},
		{VoteTime: "2d", PingBeforeClose: "2d"},
		{VoteTime: "permanent"},
		{RetryDelay: "soon"},
		{RefetchAttempts: -1},
	}
	for _, c := range bad {
		if _, err := c.Resolve(); err == nil {
			t.Errorf("%+v: expected error", c)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()
	in := DefaultVoteSettings()
	in.VoteTime = 36 * time.Hour
	in.CouncilRoleID = "42"
	out, err := in.Encode().Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := &Config{Discord: DiscordConfig{Token: "t", ReviewChannelID: "1"}}
	if err := Validate(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := &Config{
		Discord: DiscordConfig{ReviewChannelID: "1"},
		Storage: &StorageConfig{Driver: "mysql"},
		Logging: LoggingConfig{Discord: LoggingDiscord{Enabled: true}},
	}
	err := Validate(bad)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"discord.token", "storage.driver", "log_channel_id"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %s", err, want)
		}
	}
}

func TestLiveUpdateAndSaveYAML(t *testing.T) {
	t.Setenv(EnvDiscordToken, "")
	path := writeFile(t, "bot.yaml", strings.Replace(sampleYAML, "token: file-token", "token: \"\"", 1))
	t.Setenv(EnvDiscordToken, "secret-from-env")

	m := NewConfigManager(path)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	live := NewLive(m)
	if live.Votes().CouncilRoleID != "555" {
		t.Fatalf("votes = %+v", live.Votes())
	}

	sub := m.Subscribe(1)
	got, err := live.UpdateVotes(context.Background(), func(s *VoteSettings) { s.CouncilRoleID = "777" })
	if err != nil {
		t.Fatal(err)
	}
	if got.CouncilRoleID != "777" || live.Votes().CouncilRoleID != "777" {
		t.Fatalf("update not visible: %+v", got)
	}
	select {
	case c := <-sub:
		if c.Votes.CouncilRoleID != "777" {
			t.Fatalf("published = %+v", c.Votes)
		}
	default:
		t.Fatal("update not published")
	}

	if err := live.Save(); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	if strings.Contains(text, "secret-from-env") {
		t.Fatal("environment token leaked into the file")
	}
	if !strings.Contains(text, "council_role_id: \"777\"") {
		t.Fatalf("saved file missing council role:\n%s", text)
	}

	reparsed, err := m.Parse()
	if err != nil {
		t.Fatalf("saved file does not parse: %v", err)
	}
	if reparsed.Votes.VoteTime != "2d" || reparsed.Votes.PingBeforeClose != "12h" {
		t.Fatalf("votes timings = %+v", reparsed.Votes)
	}
	if m.reload(context.Background()) {
		t.Fatal("own save should not republish")
	}
}

func TestUpdateVotesRejectsInvalid(t *testing.T) {
	m := NewConfigManager(writeFile(t, "bot.yaml", sampleYAML))
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	live := NewLive(m)
	if _, err := live.UpdateVotes(context.Background(), func(s *VoteSettings) { s.VoteTime = 10 * 24 * time.Hour }); err == nil {
		t.Fatal("expected vote_time range error")
	}
	if live.Votes().VoteTime != 48*time.Hour {
		t.Fatal("rejected update must not be committed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Discord: DiscordConfig{Token: "a"}}
	b := &Config{Discord: DiscordConfig{Token: "b"}, Votes: VotesConfig{VoteTime: "1d"}}
	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "discord,votes" || len(attrs) == 0 {
		t.Fatalf("changed = %v", changed)
	}
	if changed, _ := SummarizeConfigChange(nil, nil); len(changed) != 0 {
		t.Fatalf("nil configs changed = %v", changed)
	}
}
