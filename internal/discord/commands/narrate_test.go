package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/narrator/internal/discord"
	"github.com/MrWong99/narrator/internal/discord/mock"
	"github.com/MrWong99/narrator/internal/narrate"
	"github.com/MrWong99/narrator/internal/prefs"
	"github.com/MrWong99/narrator/internal/speech"
	audiomock "github.com/MrWong99/narrator/pkg/audio/mock"
	ttsmock "github.com/MrWong99/narrator/pkg/provider/tts/mock"
)

// fakeNarrator records calls and returns canned results.
type fakeNarrator struct {
	mu    sync.Mutex
	calls []string

	enableRes narrate.EnableResult
	enableErr error
	enableArg narrate.EnableParams

	disabled   bool
	disableErr error

	pref    prefs.Preference
	prefErr error

	status    narrate.StatusReport
	statusErr error

	cancelled int

	shutoffN   int
	shutoffErr error
}

func (f *fakeNarrator) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeNarrator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeNarrator) Enable(_ context.Context, p narrate.EnableParams) (narrate.EnableResult, error) {
	f.record("enable")
	f.enableArg = p
	return f.enableRes, f.enableErr
}

func (f *fakeNarrator) Disable(context.Context, string, string) (bool, error) {
	f.record("disable")
	return f.disabled, f.disableErr
}

func (f *fakeNarrator) SetVoice(_ context.Context, _, _, voice, _ string) (prefs.Preference, error) {
	f.record("voice:" + voice)
	p := f.pref
	p.Voice = voice
	return p, f.prefErr
}

func (f *fakeNarrator) SetRate(_ context.Context, _, _ string, rate float64) (prefs.Preference, error) {
	f.record(fmt.Sprintf("rate:%g", rate))
	p := f.pref
	p.Rate = rate
	return p, f.prefErr
}

func (f *fakeNarrator) SetChannel(_ context.Context, _, _, channelID string) (prefs.Preference, error) {
	f.record("channel:" + channelID)
	return f.pref, f.prefErr
}

func (f *fakeNarrator) CancelPlayback(string) int {
	f.record("cancel")
	return f.cancelled
}

func (f *fakeNarrator) Status(context.Context, string, string) (narrate.StatusReport, error) {
	f.record("status")
	return f.status, f.statusErr
}

func (f *fakeNarrator) Shutoff(context.Context, string) (int, error) {
	f.record("shutoff")
	return f.shutoffN, f.shutoffErr
}

type fakePerms struct {
	denied  map[string]bool
	manager bool
}

func (p fakePerms) CanNarrateIn(channelID string) bool { return !p.denied[channelID] }
func (p fakePerms) ManagesGuild(string, string) bool    { return p.manager }

func inv(sub string) Invocation {
	return Invocation{GuildID: "g1", UserID: "u1", ChannelID: "c-here", Sub: sub}
}

func rate(f float64) *float64 { return &f }

func TestExecute_On(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		narrator *fakeNarrator
		perms    Permissions
		inv      Invocation
		want     string
		calls    []string
	}{
		{
			name: "explicit channel joins voice",
			narrator: &fakeNarrator{enableRes: narrate.EnableResult{
				Preference:     prefs.Preference{TextChannelID: "111", Voice: "en-US-Neural2-C", Rate: 1.25, Enabled: true},
				VoiceChannelID: "222",
			}},
			inv:   Invocation{GuildID: "g1", UserID: "u1", Sub: "on", Channel: "111", Rate: rate(1.25)},
			want:  "Narration enabled for you in <#111>.\nVoice=en-US-Neural2-C | Rate=1.25. Joined <#222>.",
			calls: []string{"enable"},
		},
		{
			name: "stored channel is looked up and checked",
			narrator: &fakeNarrator{
				status: narrate.StatusReport{Stored: true, Preference: prefs.Preference{TextChannelID: "333"}},
			},
			perms: fakePerms{denied: map[string]bool{"333": true}},
			inv:   inv("on"),
			want:  "I need view/send/read-history access in <#333>.",
			calls: []string{"status"},
		},
		{
			name:     "no channel anywhere",
			narrator: &fakeNarrator{enableErr: narrate.ErrNoChannel},
			inv:      inv("on"),
			want:     "Choose a text channel first",
			calls:    []string{"status", "enable"},
		},
		{
			name:     "explicit channel denied",
			narrator: &fakeNarrator{},
			perms:    fakePerms{denied: map[string]bool{"111": true}},
			inv:      Invocation{GuildID: "g1", UserID: "u1", Sub: "on", Channel: "111"},
			want:     "I need view/send/read-history access in <#111>.",
		},
		{
			name: "stored but connect failed",
			narrator: &fakeNarrator{
				enableRes: narrate.EnableResult{Preference: prefs.Preference{TextChannelID: "111", Voice: "v", Rate: 1, Enabled: true}},
				enableErr: errors.New("voice down"),
			},
			inv:   Invocation{GuildID: "g1", UserID: "u1", Sub: "on", Channel: "111"},
			want:  "I could not join your voice channel",
			calls: []string{"enable"},
		},
		{
			name: "not in voice",
			narrator: &fakeNarrator{enableRes: narrate.EnableResult{
				Preference: prefs.Preference{TextChannelID: "111", Voice: "v", Rate: 1, Enabled: true},
			}},
			inv:  Invocation{GuildID: "g1", UserID: "u1", Sub: "on", Channel: "111"},
			want: "Join a voice channel and type in <#111> to hear narration.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			perms := tt.perms
			if perms == nil {
				perms = fakePerms{}
			}
			c := New(tt.narrator, perms)
			got := c.Execute(context.Background(), tt.inv)
			if !strings.Contains(got, tt.want) {
				t.Errorf("reply = %q, want it to contain %q", got, tt.want)
			}
			if tt.calls != nil {
				if calls := tt.narrator.Calls(); strings.Join(calls, ",") != strings.Join(tt.calls, ",") {
					t.Errorf("calls = %v, want %v", calls, tt.calls)
				}
			}
		})
	}
}

func TestExecute_OnPassesArguments(t *testing.T) {
	t.Parallel()

	n := &fakeNarrator{enableRes: narrate.EnableResult{Preference: prefs.Preference{Enabled: true}}}
	c := New(n, nil)
	c.Execute(context.Background(), Invocation{GuildID: "g1", UserID: "u1", Sub: "on", Channel: "9", Voice: "de-DE-Wavenet-A", Rate: rate(0.5)})

	want := narrate.EnableParams{GuildID: "g1", UserID: "u1", ChannelID: "9", Voice: "de-DE-Wavenet-A"}
	got := n.enableArg
	if got.GuildID != want.GuildID || got.UserID != want.UserID || got.ChannelID != want.ChannelID || got.Voice != want.Voice {
		t.Errorf("EnableParams = %+v, want %+v", got, want)
	}
	if got.Rate == nil || *got.Rate != 0.5 {
		t.Errorf("Rate = %v, want 0.5", got.Rate)
	}
}

func TestExecute_Replies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		narrator *fakeNarrator
		perms    fakePerms
		inv      Invocation
		want     string
	}{
		{"off", &fakeNarrator{disabled: true}, fakePerms{}, inv("off"), "Narration disabled for you."},
		{"off already", &fakeNarrator{}, fakePerms{}, inv("off"), "Narration is already disabled for you."},
		{"off release error still disabled", &fakeNarrator{disabled: true, disableErr: errors.New("x")}, fakePerms{}, inv("off"), "Narration disabled for you."},
		{"cancel", &fakeNarrator{cancelled: 3}, fakePerms{}, inv("cancel"), "(3 dropped)"},
		{"voices", &fakeNarrator{}, fakePerms{}, inv("voices"), "https://cloud.google.com/text-to-speech/docs/voices"},
		{"channel", &fakeNarrator{}, fakePerms{}, Invocation{Sub: "channel", Channel: "5"}, "Default narration channel set to <#5>."},
		{"channel missing", &fakeNarrator{}, fakePerms{}, inv("channel"), "Name a channel"},
		{"channel denied", &fakeNarrator{}, fakePerms{denied: map[string]bool{"5": true}}, Invocation{Sub: "channel", Channel: "5"}, "I need view/send/read-history access in <#5>."},
		{"voice on enabled pref", &fakeNarrator{pref: prefs.Preference{Enabled: true}}, fakePerms{}, Invocation{Sub: "voice", Voice: "en-GB-News-K"}, "Default voice set to `en-GB-News-K`."},
		{"voice on disabled pref", &fakeNarrator{}, fakePerms{}, Invocation{Sub: "voice", Voice: "en-GB-News-K"}, "Use `/narrate on` to start."},
		{"voice missing", &fakeNarrator{}, fakePerms{}, inv("voice"), "Name a voice"},
		{"rate", &fakeNarrator{}, fakePerms{}, Invocation{Sub: "rate", Rate: rate(1.5)}, "Speaking rate set to 1.5."},
		{"rate invalid", &fakeNarrator{prefErr: fmt.Errorf("%w: 9", narrate.ErrInvalidRate)}, fakePerms{}, Invocation{Sub: "rate", Rate: rate(9)}, "Rate must be between 0.25 and 4."},
		{"rate without pref", &fakeNarrator{prefErr: narrate.ErrNoPreference}, fakePerms{}, Invocation{Sub: "rate", Rate: rate(1)}, "You have no narration settings yet."},
		{"store down", &fakeNarrator{statusErr: fmt.Errorf("narrate: status: %w", prefs.ErrUnavailable)}, fakePerms{}, inv("status"), "unavailable right now"},
		{"generic error", &fakeNarrator{statusErr: errors.New("boom")}, fakePerms{}, inv("status"), "Something went wrong."},
		{"shutoff needs manage", &fakeNarrator{}, fakePerms{}, inv("shutoff"), "Manage Server"},
		{"shutoff", &fakeNarrator{shutoffN: 4}, fakePerms{}, Invocation{Sub: "shutoff", ManageGuild: true}, "Disabled narrate for 4 user(s)."},
		{"usage", &fakeNarrator{}, fakePerms{}, inv(""), "Usage:"},
		{"unknown", &fakeNarrator{}, fakePerms{}, inv("dance"), "Usage:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := New(tt.narrator, tt.perms)
			got := c.Execute(context.Background(), tt.inv)
			if !strings.Contains(got, tt.want) {
				t.Errorf("reply = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestExecute_ShutoffWithoutManageDoesNothing(t *testing.T) {
	t.Parallel()

	n := &fakeNarrator{}
	New(n, fakePerms{}).Execute(context.Background(), inv("shutoff"))
	if calls := n.Calls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestFormatStatus(t *testing.T) {
	t.Parallel()

	rep := narrate.StatusReport{
		Preference: prefs.Preference{TextChannelID: "10", Voice: "en-US-Neural2-C", Rate: 1, Enabled: true},
		Stored:     true,
		Session: narrate.SessionStatus{
			State:        narrate.StatePlaying,
			ChannelID:    "20",
			QueueLen:     2,
			ActiveUserID: "u1",
		},
		EnabledUserIDs: []string{"u1", "u2"},
	}
	got := FormatStatus(rep, "/narrate")
	for _, want := range []string{
		"Enabled=true | Channel=<#10> | Voice=en-US-Neural2-C | Rate=1",
		"Bot VC: <#20> (playing, 2 queued)",
		"Active narrator (most-recent): <@u1>",
		"Enabled users in this guild: <@u1>, <@u2>",
		"Commands: /narrate on/off",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}

	empty := FormatStatus(narrate.StatusReport{Preference: prefs.Preference{Voice: "v", Rate: 1}}, "!narrate")
	for _, want := range []string{"Channel=—", "Bot VC: not connected", "nobody has narrate enabled"} {
		if !strings.Contains(empty, want) {
			t.Errorf("empty status missing %q:\n%s", want, empty)
		}
	}
}

func TestParseText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    Invocation
		wantErr bool
	}{
		{name: "bare", content: "!narrate", want: Invocation{Prefix: "!narrate"}},
		{name: "help alias", content: "!narrate help", want: Invocation{Prefix: "!narrate"}},
		{name: "start alias", content: "!narrate start", want: Invocation{Prefix: "!narrate", Sub: "on"}},
		{name: "stop alias", content: "!Narrate STOP", want: Invocation{Prefix: "!narrate", Sub: "off"}},
		{name: "x alias", content: "!narrate x", want: Invocation{Prefix: "!narrate", Sub: "cancel"}},
		{
			name:    "on with everything",
			content: "!narrate on <#123> en-US-Neural2-C 1.5",
			want:    Invocation{Prefix: "!narrate", Sub: "on", Channel: "123", Voice: "en-US-Neural2-C", Rate: rate(1.5)},
		},
		{
			name:    "on args in any order",
			content: "!narrate on 0.75 <#9>",
			want:    Invocation{Prefix: "!narrate", Sub: "on", Channel: "9", Rate: rate(0.75)},
		},
		{name: "channel", content: "!narrate channel <#42>", want: Invocation{Prefix: "!narrate", Sub: "channel", Channel: "42"}},
		{name: "channel not a mention", content: "!narrate channel general", wantErr: true},
		{name: "channel missing", content: "!narrate channel", wantErr: true},
		{name: "voice", content: "!narrate voice en-US-Studio-O", want: Invocation{Prefix: "!narrate", Sub: "voice", Voice: "en-US-Studio-O"}},
		{name: "voice missing", content: "!narrate voice", wantErr: true},
		{name: "rate", content: "!narrate rate 2", want: Invocation{Prefix: "!narrate", Sub: "rate", Rate: rate(2)}},
		{name: "rate not a number", content: "!narrate rate fast", wantErr: true},
		{name: "no prefix", content: "hello", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseText(tt.content, nil)
			if tt.wantErr {
				if !errors.Is(err, ErrUsage) {
					t.Fatalf("err = %v, want ErrUsage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseText: %v", err)
			}
			if got.Prefix != tt.want.Prefix || got.Sub != tt.want.Sub || got.Channel != tt.want.Channel || got.Voice != tt.want.Voice {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			switch {
			case (got.Rate == nil) != (tt.want.Rate == nil):
				t.Errorf("Rate = %v, want %v", got.Rate, tt.want.Rate)
			case got.Rate != nil && *got.Rate != *tt.want.Rate:
				t.Errorf("Rate = %v, want %v", *got.Rate, *tt.want.Rate)
			}
		})
	}
}

func TestParseText_CustomPrefix(t *testing.T) {
	t.Parallel()

	got, err := ParseText("?tts off", []string{"!narrate", "?tts"})
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	if got.Prefix != "?tts" || got.Sub != "off" {
		t.Errorf("got %+v", got)
	}
	if reply := New(&fakeNarrator{}, nil).Execute(context.Background(), Invocation{Prefix: "?tts"}); !strings.Contains(reply, "?tts on") {
		t.Errorf("usage does not use the custom prefix: %q", reply)
	}
}

func TestTextHandler(t *testing.T) {
	t.Parallel()

	n := &fakeNarrator{shutoffN: 2}
	handler := New(n, fakePerms{manager: true}).TextHandler(nil)

	got := handler(context.Background(), narrate.Message{GuildID: "g1", AuthorID: "u1", ChannelID: "c1", Content: "!narrate shutoff"})
	if !strings.Contains(got, "Disabled narrate for 2 user(s).") {
		t.Errorf("reply = %q", got)
	}

	got = handler(context.Background(), narrate.Message{GuildID: "g1", AuthorID: "u1", ChannelID: "c1", Content: "!narrate rate quick"})
	if !strings.Contains(got, "not a number") || !strings.Contains(got, "Usage:") {
		t.Errorf("bad-args reply = %q", got)
	}
}

func slashInteraction(sub string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "g1",
		ChannelID: "c1",
		Member: &discordgo.Member{
			User:        &discordgo.User{ID: "u1"},
			Permissions: discordgo.PermissionManageGuild,
		},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "narrate",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Name:    sub,
				Options: opts,
			}},
		},
	}}
}

func TestInvocationFromInteraction(t *testing.T) {
	t.Parallel()

	i := slashInteraction("on",
		&discordgo.ApplicationCommandInteractionDataOption{Name: "channel", Type: discordgo.ApplicationCommandOptionChannel, Value: "77"},
		&discordgo.ApplicationCommandInteractionDataOption{Name: "voice", Type: discordgo.ApplicationCommandOptionString, Value: " en-US-Neural2-C "},
		&discordgo.ApplicationCommandInteractionDataOption{Name: "rate", Type: discordgo.ApplicationCommandOptionNumber, Value: 1.25},
	)
	got := InvocationFromInteraction(i)
	if got.GuildID != "g1" || got.UserID != "u1" || got.ChannelID != "c1" || got.Sub != "on" {
		t.Errorf("ids = %+v", got)
	}
	if got.Channel != "77" || got.Voice != "en-US-Neural2-C" || got.Rate == nil || *got.Rate != 1.25 {
		t.Errorf("args = %+v", got)
	}
	if !got.ManageGuild || got.Prefix != "" {
		t.Errorf("ManageGuild = %v, Prefix = %q", got.ManageGuild, got.Prefix)
	}
}

func TestRegister_SlashRoundTrip(t *testing.T) {
	t.Parallel()

	n := &fakeNarrator{disabled: true}
	router := discord.NewCommandRouter()
	New(n, fakePerms{}).Register(router)

	cmds := router.ApplicationCommands()
	if len(cmds) != 1 || cmds[0].Name != "narrate" {
		t.Fatalf("ApplicationCommands = %v", cmds)
	}
	if len(cmds[0].Options) != len(subcommands) {
		t.Errorf("subcommands = %d, want %d", len(cmds[0].Options), len(subcommands))
	}

	sess := &mock.Session{}
	router.Handle(sess, slashInteraction("off"))

	if len(sess.Responses) != 1 || sess.Responses[0].Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Fatalf("responses = %+v, want one deferral", sess.Responses)
	}
	if got := sess.LastContent(); got != "Narration disabled for you." {
		t.Errorf("edited reply = %q", got)
	}
}

func TestRegister_OutsideGuild(t *testing.T) {
	t.Parallel()

	router := discord.NewCommandRouter()
	n := &fakeNarrator{}
	New(n, nil).Register(router)

	i := slashInteraction("status")
	i.GuildID = ""
	sess := &mock.Session{}
	router.Handle(sess, i)

	if got := sess.LastContent(); !strings.Contains(got, "inside a server") {
		t.Errorf("reply = %q", got)
	}
	if len(n.Calls()) != 0 {
		t.Errorf("narrator called outside a guild: %v", n.Calls())
	}
}

// ─── against a real coordinator ──────────────────────────────────────────────

type noVoice struct{}

func (noVoice) VoiceChannel(string, string) (string, bool) { return "", false }
func (noVoice) Members(string, string) []string             { return nil }

type discardNotes struct{}

func (discardNotes) Notify(context.Context, string, string) error { return nil }

func TestExecute_WithCoordinator(t *testing.T) {
	t.Parallel()

	store := prefs.NewMemory()
	coord, err := narrate.New(narrate.Deps{
		Platform: &audiomock.Platform{},
		Store:    store,
		Synth:    speech.NewClient(&ttsmock.Provider{}),
		Presence: noVoice{},
		Notifier: discardNotes{},
	}, narrate.Config{DefaultVoice: "en-US-Neural2-C"})
	if err != nil {
		t.Fatalf("narrate.New: %v", err)
	}
	t.Cleanup(func() { coord.Shutdown(context.Background()) })

	c := New(coord, fakePerms{})
	ctx := context.Background()

	if got := c.Execute(ctx, inv("on")); !strings.Contains(got, "Choose a text channel first") {
		t.Errorf("on without channel = %q", got)
	}
	if got := c.Execute(ctx, Invocation{GuildID: "g1", UserID: "u1", Sub: "on", Channel: "100"}); !strings.Contains(got, "Voice=en-US-Neural2-C | Rate=1.") {
		t.Errorf("on = %q", got)
	}
	if got := c.Execute(ctx, Invocation{GuildID: "g1", UserID: "u1", Sub: "rate", Rate: rate(2)}); got != "Speaking rate set to 2." {
		t.Errorf("rate = %q", got)
	}
	if got := c.Execute(ctx, inv("status")); !strings.Contains(got, "Enabled=true | Channel=<#100> | Voice=en-US-Neural2-C | Rate=2") {
		t.Errorf("status = %q", got)
	}
	if got := c.Execute(ctx, Invocation{GuildID: "g1", UserID: "u1", Sub: "shutoff", ManageGuild: true}); !strings.Contains(got, "for 1 user(s)") {
		t.Errorf("shutoff = %q", got)
	}
	if got := c.Execute(ctx, inv("off")); got != "Narration is already disabled for you." {
		t.Errorf("off after shutoff = %q", got)
	}
}
