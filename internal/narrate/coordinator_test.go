package narrate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/bus"
	busmock "github.com/MrWong99/narrator/internal/bus/mock"
	"github.com/MrWong99/narrator/internal/prefs"
	"github.com/MrWong99/narrator/internal/speech"
	audiomock "github.com/MrWong99/narrator/pkg/audio/mock"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	ttsmock "github.com/MrWong99/narrator/pkg/provider/tts/mock"
)

const (
	guild = "g1"
	text  = "text-1"
)

type harness struct {
	c        *Coordinator
	platform *audiomock.Platform
	store    *prefs.Memory
	provider *ttsmock.Provider
	presence *fakePresence
	notes    *fakeNotifier
	pub      *busmock.Publisher
	tones    *fakeTones
}

// newHarness wires a Coordinator to in-memory fakes. Coalescing and rate
// limiting are off unless cfg turns them on.
func newHarness(t *testing.T, cfg Config, platform *audiomock.Platform) *harness {
	t.Helper()
	if cfg.CoalesceWindow == 0 {
		cfg.CoalesceWindow = -1
	}
	if cfg.UserRate == 0 {
		cfg.UserRate = -1
	}
	if platform == nil {
		platform = &audiomock.Platform{}
	}

	m := testMetrics(t)
	h := &harness{
		platform: platform,
		store:    prefs.NewMemory(),
		provider: &ttsmock.Provider{AudioFunc: func(r tts.Request) []byte { return []byte(r.Text) }},
		presence: newPresence(),
		notes:    &fakeNotifier{},
		pub:      &busmock.Publisher{},
		tones:    &fakeTones{},
	}
	synth := speech.NewClient(h.provider, speech.WithCache(speech.NewCache(32)), speech.WithMetrics(m))

	c, err := New(Deps{
		Platform: h.platform,
		Store:    h.store,
		Synth:    synth,
		Presence: h.presence,
		Notifier: h.notes,
	}, cfg, WithMetrics(m), WithPublisher(h.pub), WithTones(h.tones))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		c.Shutdown(context.Background())
		cancel()
		<-done
	})
	return h
}

func (h *harness) enable(t *testing.T, userID, voice string) {
	t.Helper()
	err := h.store.Upsert(context.Background(), prefs.Preference{
		GuildID: guild, UserID: userID, TextChannelID: text, Voice: voice, Rate: 1, Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) say(t *testing.T, userID, content string) {
	t.Helper()
	err := h.c.HandleMessage(context.Background(), Message{GuildID: guild, ChannelID: text, AuthorID: userID, Content: content})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func (h *harness) enabled(t *testing.T, userID string) bool {
	t.Helper()
	p, err := h.store.Get(context.Background(), guild, userID)
	if err != nil {
		t.Fatal(err)
	}
	return p != nil && p.Enabled
}

// ─── Message pipeline ─────────────────────────────────────────────────────────

func TestCoordinator_EndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.enable(t, "u1", "en-US-Wavenet-D")
	h.presence.set("u1", "voice-1")

	h.say(t, "u1", "hello world")
	waitFor(t, "connection", func() bool { return h.platform.Last() != nil })
	conn := h.platform.Last()
	if got := string(recv(t, conn.Played())); got != "hello world" {
		t.Fatalf("played %q", got)
	}
	if h.platform.ConnectCount() != 1 || conn.ChannelID() != "voice-1" {
		t.Errorf("connects = %d, channel %q", h.platform.ConnectCount(), conn.ChannelID())
	}

	calls := h.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("synthesis calls = %d, want 1", len(calls))
	}
	if r := calls[0].Req; r.Voice != "en-US-Wavenet-D" || r.Language != "en-US" || r.Rate != 1 {
		t.Errorf("request = %+v", r)
	}

	// Same text again is served from the cache.
	h.say(t, "u1", "hello world")
	recv(t, conn.Played())
	if n := h.provider.CallCount(); n != 1 {
		t.Errorf("synthesis calls after repeat = %d, want 1", n)
	}

	waitFor(t, "enqueued events", func() bool { return len(h.pub.OfKind(bus.KindEnqueued)) == 2 })
	if st := h.c.Session(guild).Status(); st.ActiveUserID != "u1" {
		t.Errorf("active user = %q", st.ActiveUserID)
	}
}

func TestCoordinator_LongTextIsChunkedInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ChunkLimit: 10}, nil)
	h.enable(t, "u1", "en-US-Wavenet-D")
	h.presence.set("u1", "voice-1")

	h.say(t, "u1", "alpha beta gamma delta")
	waitFor(t, "connection", func() bool { return h.platform.Last() != nil })
	conn := h.platform.Last()
	for _, want := range []string{"alpha beta", "gamma", "delta"} {
		if got := string(recv(t, conn.Played())); got != want {
			t.Fatalf("played %q, want %q", got, want)
		}
	}
}

func TestCoordinator_IgnoredMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.enable(t, "u1", "")
	h.presence.set("u1", "voice-1")
	h.presence.set("u2", "voice-1")

	ctx := context.Background()
	msgs := []Message{
		{GuildID: guild, ChannelID: text, AuthorID: "u1", Content: "https://example.com <@42>"},
		{GuildID: guild, ChannelID: text, AuthorID: "u1", Content: "!narrate status"},
		{GuildID: guild, ChannelID: "other", AuthorID: "u1", Content: "wrong room"},
		{GuildID: guild, ChannelID: text, AuthorID: "u2", Content: "not enabled"},
		{GuildID: guild, ChannelID: text, AuthorID: "bot", AuthorBot: true, Content: "beep"},
	}
	for _, m := range msgs {
		if err := h.c.HandleMessage(ctx, m); err != nil {
			t.Fatalf("HandleMessage(%q): %v", m.Content, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if h.platform.ConnectCount() != 0 || h.provider.CallCount() != 0 {
		t.Errorf("connects = %d, synth calls = %d; want none", h.platform.ConnectCount(), h.provider.CallCount())
	}
}

func TestCoordinator_NotInVoiceDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.enable(t, "u1", "")
	h.say(t, "u1", "anyone there")
	time.Sleep(50 * time.Millisecond)
	if h.platform.ConnectCount() != 0 {
		t.Errorf("connected without a voice room")
	}
}

func TestCoordinator_Coalescing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{CoalesceWindow: 60 * time.Millisecond}, nil)
	h.enable(t, "u1", "en-US-Wavenet-D")
	h.presence.set("u1", "voice-1")

	h.say(t, "u1", "hello")
	h.say(t, "u1", "there")
	h.say(t, "u1", "friend")

	waitFor(t, "connection", func() bool { return h.platform.Last() != nil })
	if got := string(recv(t, h.platform.Last().Played())); got != "hello there friend" {
		t.Fatalf("played %q, want joined text", got)
	}
	if n := h.provider.CallCount(); n != 1 {
		t.Errorf("synthesis calls = %d, want 1", n)
	}
}

func TestCoordinator_RateLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{UserRate: 0.001, UserBurst: 1}, nil)
	h.enable(t, "u1", "en-US-Wavenet-D")
	h.presence.set("u1", "voice-1")

	h.say(t, "u1", "first")
	h.say(t, "u1", "second")

	waitFor(t, "connection", func() bool { return h.platform.Last() != nil })
	conn := h.platform.Last()
	if got := string(recv(t, conn.Played())); got != "first" {
		t.Fatalf("played %q", got)
	}
	assertSilent(t, conn.Played(), 50*time.Millisecond)
}

func TestCoordinator_Earcon(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		voiceB     string
		wantEarcon bool
	}{
		{"shared voice", "en-US-Wavenet-D", true},
		{"distinct voices", "en-GB-Wavenet-B", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Config{}, nil)
			h.enable(t, "a", "en-US-Wavenet-D")
			h.enable(t, "b", tc.voiceB)
			h.presence.set("a", "voice-1")
			h.presence.set("b", "voice-1")

			h.say(t, "a", "one")
			waitFor(t, "connection", func() bool { return h.platform.Last() != nil })
			conn := h.platform.Last()
			if got := string(recv(t, conn.Played())); got != "one" {
				t.Fatalf("played %q", got)
			}

			h.say(t, "b", "two")
			got := string(recv(t, conn.Played()))
			if tc.wantEarcon {
				if got != "tone" {
					t.Fatalf("played %q before utterance, want tone", got)
				}
				got = string(recv(t, conn.Played()))
			}
			if got != "two" {
				t.Fatalf("played %q, want two", got)
			}
		})
	}
}

func TestCoordinator_SynthesisErrorNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.provider.SetErr(errors.New("400: This voice requires a model name"))
	h.enable(t, "u1", "en-US-Chirp3-HD-Foo")
	h.presence.set("u1", "voice-1")

	h.say(t, "u1", "hello")
	waitFor(t, "notification", func() bool { return len(h.notes.all()) == 1 })

	n := h.notes.all()[0]
	if n.channelID != text {
		t.Errorf("notified channel %q, want %q", n.channelID, text)
	}
	if !strings.Contains(n.text, "en-US-Chirp3-HD-Foo") || !strings.Contains(n.text, speech.VoiceDocsURL) {
		t.Errorf("notification = %q", n.text)
	}
	waitFor(t, "synth_error event", func() bool { return len(h.pub.OfKind(bus.KindSynthError)) == 1 })
}

func TestCoordinator_QueueFullReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ChunkLimit: 4, Session: SessionConfig{QueueSize: 1}}, &audiomock.Platform{Manual: true})
	h.enable(t, "u1", "en-US-Wavenet-D")
	h.presence.set("u1", "voice-1")

	h.say(t, "u1", "aaaa bbbb cccc dddd")
	waitFor(t, "queue full notice", func() bool {
		for _, n := range h.notes.all() {
			if strings.Contains(n.text, "queue is full") {
				return true
			}
		}
		return false
	})
	if len(h.pub.OfKind(bus.KindEnqueued)) != 0 {
		t.Error("partially queued request reported as enqueued")
	}
}

func TestCoordinator_SubmitBusy(t *testing.T) {
	t.Parallel()

	m := testMetrics(t)
	c, err := New(Deps{
		Platform: &audiomock.Platform{},
		Store:    prefs.NewMemory(),
		Synth:    &ttsmock.Provider{},
		Presence: newPresence(),
	}, Config{RequestQueue: 1}, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	// No workers are running, so the queue never drains.
	if err := c.Submit(Request{GuildID: guild}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := c.Submit(Request{GuildID: guild}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Submit = %v, want ErrBusy", err)
	}
}

func TestNew_ValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"platform", "store", "synthesizer", "presence"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

// ─── Presence and claims ──────────────────────────────────────────────────────

func TestCoordinator_JoinClaimsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	h.enable(t, "a", "en-US-Wavenet-D")
	h.enable(t, "b", "en-US-Wavenet-D")
	h.presence.set("b", "r1")

	if err := h.c.Session(guild).EnsureConnected(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	conn := h.platform.Last()

	h.presence.set("a", "r2")
	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "a", After: "r2"}); err != nil {
		t.Fatalf("HandleVoiceState: %v", err)
	}

	if h.enabled(t, "b") {
		t.Error("b still enabled after a claimed the session")
	}
	if !h.enabled(t, "a") {
		t.Error("claiming user was disabled")
	}
	if got := h.c.Session(guild).ChannelID(); got != "r2" {
		t.Errorf("session channel = %q, want r2", got)
	}
	if _, _, _, moves := conn.Calls(); len(moves) != 1 || moves[0] != "r2" {
		t.Errorf("moves = %v", moves)
	}
	if claims := h.pub.OfKind(bus.KindClaim); len(claims) != 1 || claims[0].UserID != "a" {
		t.Errorf("claim events = %+v", claims)
	}

	// b is no longer narrated.
	h.say(t, "b", "am I still here")
	assertSilent(t, conn.Played(), 50*time.Millisecond)
	if h.provider.CallCount() != 0 {
		t.Errorf("synthesis calls = %d, want 0", h.provider.CallCount())
	}
}

func TestCoordinator_MoveClaimsNewRoom(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	h.enable(t, "a", "")
	h.enable(t, "b", "")
	h.presence.set("a", "r1")
	h.presence.set("b", "r1")

	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "a", After: "r1"}); err != nil {
		t.Fatal(err)
	}
	if !h.enabled(t, "b") {
		t.Fatal("b disabled although in the claimed room")
	}

	h.presence.set("a", "r2")
	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "a", Before: "r1", After: "r2"}); err != nil {
		t.Fatal(err)
	}
	if got := h.c.Session(guild).ChannelID(); got != "r2" {
		t.Errorf("session channel = %q, want r2", got)
	}
	if h.enabled(t, "b") {
		t.Error("b left behind but still enabled")
	}
}

func TestCoordinator_LeaveReleases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	h.enable(t, "a", "")
	h.enable(t, "b", "")
	h.enable(t, "c", "")
	h.presence.set("a", "r1")
	h.presence.set("b", "r1")
	h.presence.set("c", "r9")

	if err := h.c.Session(guild).EnsureConnected(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	// a leaves while b remains: only a is disabled.
	h.presence.set("a", "")
	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "a", Before: "r1"}); err != nil {
		t.Fatal(err)
	}
	if h.enabled(t, "a") || !h.enabled(t, "b") {
		t.Fatalf("after first leave: a=%v b=%v", h.enabled(t, "a"), h.enabled(t, "b"))
	}
	if h.c.Session(guild).ChannelID() != "r1" {
		t.Fatal("session left while b was still there")
	}

	// b leaves last: session torn down and everyone disabled.
	h.presence.set("b", "")
	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "b", Before: "r1"}); err != nil {
		t.Fatal(err)
	}
	if st := h.c.Session(guild).Status(); st.State != StateDisconnected {
		t.Errorf("state = %s, want disconnected", st.State)
	}
	if h.enabled(t, "b") || h.enabled(t, "c") {
		t.Error("preferences still enabled after the last narrated user left")
	}
	ev := h.pub.OfKind(bus.KindTeardown)
	if len(ev) != 1 || ev[0].Detail != string(ReasonNobodyLeft) {
		t.Errorf("teardown events = %+v", ev)
	}
}

func TestCoordinator_LeaveOtherRoomIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	h.enable(t, "a", "")
	if err := h.c.Session(guild).EnsureConnected(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "a", Before: "r5"}); err != nil {
		t.Fatal(err)
	}
	if !h.enabled(t, "a") {
		t.Error("leaving an unrelated room disabled the user")
	}
}

func TestCoordinator_ForcedDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	h.enable(t, "a", "")
	h.enable(t, "b", "")
	if err := h.c.Session(guild).EnsureConnected(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "bot", Before: "r1", IsSelf: true}); err != nil {
		t.Fatal(err)
	}
	if h.enabled(t, "a") || h.enabled(t, "b") {
		t.Error("forced disconnect left preferences enabled")
	}
	if st := h.c.Session(guild).Status(); st.State != StateDisconnected {
		t.Errorf("state = %s", st.State)
	}
	ev := h.pub.OfKind(bus.KindTeardown)
	if len(ev) != 1 || ev[0].Detail != string(ReasonForcedDisconnect) {
		t.Errorf("teardown events = %+v", ev)
	}
}

func TestCoordinator_ForcedDisconnectAfterReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	kick := VoiceStateChange{GuildID: guild, UserID: "bot", Before: "r1", IsSelf: true}

	for round := 1; round <= 2; round++ {
		h.enable(t, "a", "")
		if err := h.c.Session(guild).EnsureConnected(ctx, "r1"); err != nil {
			t.Fatal(err)
		}
		if err := h.c.HandleVoiceState(ctx, kick); err != nil {
			t.Fatal(err)
		}
		if h.enabled(t, "a") {
			t.Errorf("kick %d left the preference enabled", round)
		}
		if n := len(h.pub.OfKind(bus.KindTeardown)); n != round {
			t.Errorf("after kick %d: %d teardown events", round, n)
		}
	}
}

func TestCoordinator_BotMovedExternally(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	h.enable(t, "a", "")
	sess := h.c.Session(guild)
	if err := sess.EnsureConnected(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "bot", Before: "r1", After: "r2", IsSelf: true}); err != nil {
		t.Fatal(err)
	}
	if st := sess.Status(); st.State != StateDisconnected {
		t.Errorf("state = %s, want disconnected", st.State)
	}
	// The platform reports the bot leaving r2 as a result of the recycle.
	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "bot", Before: "r2", IsSelf: true}); err != nil {
		t.Fatal(err)
	}
	if !h.enabled(t, "a") {
		t.Error("external move disabled the preference")
	}
	if ev := h.pub.OfKind(bus.KindTeardown); len(ev) != 0 {
		t.Errorf("teardown events = %+v", ev)
	}
}

func TestCoordinator_SelfDisconnectNotForced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	h.enable(t, "a", "")
	h.presence.set("a", "r1")
	if _, err := h.c.Enable(ctx, EnableParams{GuildID: guild, UserID: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.c.Disable(ctx, guild, "a"); err != nil {
		t.Fatal(err)
	}
	// The platform echoes the bot's own departure.
	if err := h.c.HandleVoiceState(ctx, VoiceStateChange{GuildID: guild, UserID: "bot", Before: "r1", IsSelf: true}); err != nil {
		t.Fatal(err)
	}
	ev := h.pub.OfKind(bus.KindTeardown)
	if len(ev) != 1 || ev[0].Detail != string(ReasonReleased) {
		t.Errorf("teardown events = %+v", ev)
	}
}

func TestCoordinator_ReleaseKeepsOtherPreferences(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	h.enable(t, "a", "")
	h.presence.set("a", "r1")
	if _, err := h.c.Enable(ctx, EnableParams{GuildID: guild, UserID: "a"}); err != nil {
		t.Fatal(err)
	}
	// b enables later from another room without joining the bot.
	h.enable(t, "b", "")
	h.presence.set("b", "r5")

	if _, err := h.c.Disable(ctx, guild, "a"); err != nil {
		t.Fatal(err)
	}
	ev := h.pub.OfKind(bus.KindTeardown)
	if len(ev) != 1 || ev[0].Detail != string(ReasonReleased) {
		t.Fatalf("teardown events = %+v", ev)
	}
	if !h.enabled(t, "b") {
		t.Error("releasing the room disabled another user's preference")
	}
}

func TestCoordinator_IdleTeardownDisablesAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Session: SessionConfig{IdleTimeout: 40 * time.Millisecond, IdlePoll: 10 * time.Millisecond}}, nil)
	h.enable(t, "a", "")
	h.enable(t, "b", "")
	if err := h.c.Session(guild).EnsureConnected(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "idle teardown", func() bool { return len(h.pub.OfKind(bus.KindTeardown)) == 1 })
	if h.enabled(t, "a") || h.enabled(t, "b") {
		t.Error("idle teardown left preferences enabled")
	}
	if st := h.c.Session(guild).Status(); st.State != StateDisconnected || st.QueueLen != 0 {
		t.Errorf("status = %+v", st)
	}
}

// ─── Commands ─────────────────────────────────────────────────────────────────

func TestCoordinator_Enable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	if _, err := h.c.Enable(ctx, EnableParams{GuildID: guild, UserID: "a"}); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("Enable without channel = %v, want ErrNoChannel", err)
	}

	bad := 9.0
	if _, err := h.c.Enable(ctx, EnableParams{GuildID: guild, UserID: "a", ChannelID: text, Rate: &bad}); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("Enable with rate 9 = %v, want ErrInvalidRate", err)
	}

	res, err := h.c.Enable(ctx, EnableParams{GuildID: guild, UserID: "a", ChannelID: text})
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if res.Preference.Voice != DefaultVoice || res.Preference.Rate != 1 || !res.Preference.Enabled {
		t.Errorf("preference = %+v", res.Preference)
	}
	if res.VoiceChannelID != "" || h.platform.ConnectCount() != 0 {
		t.Error("connected although the user is not in voice")
	}

	// Re-enabling in voice keeps the stored voice and channel and claims.
	if _, err := h.c.SetVoice(ctx, guild, "a", "en-GB-Wavenet-B", "ignored"); err != nil {
		t.Fatal(err)
	}
	h.presence.set("a", "r1")
	res, err = h.c.Enable(ctx, EnableParams{GuildID: guild, UserID: "a"})
	if err != nil {
		t.Fatalf("Enable in voice: %v", err)
	}
	if res.Preference.Voice != "en-GB-Wavenet-B" || res.Preference.TextChannelID != text {
		t.Errorf("preference = %+v", res.Preference)
	}
	if res.VoiceChannelID != "r1" || h.c.Session(guild).ChannelID() != "r1" {
		t.Errorf("voice channel = %q, session %q", res.VoiceChannelID, h.c.Session(guild).ChannelID())
	}
}

func TestCoordinator_Disable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	was, err := h.c.Disable(ctx, guild, "a")
	if err != nil || was {
		t.Fatalf("Disable unknown user = (%v, %v)", was, err)
	}

	h.enable(t, "a", "")
	h.enable(t, "b", "")
	h.presence.set("a", "r1")
	h.presence.set("b", "r1")
	if err := h.c.Session(guild).EnsureConnected(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	if was, err := h.c.Disable(ctx, guild, "a"); err != nil || !was {
		t.Fatalf("Disable = (%v, %v)", was, err)
	}
	if h.c.Session(guild).ChannelID() != "r1" {
		t.Fatal("session left while b is still enabled in the room")
	}
	if _, err := h.c.Disable(ctx, guild, "b"); err != nil {
		t.Fatal(err)
	}
	if st := h.c.Session(guild).Status(); st.State != StateDisconnected {
		t.Errorf("state = %s, want disconnected", st.State)
	}
}

func TestCoordinator_SetVoiceRateChannel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	p, err := h.c.SetVoice(ctx, guild, "a", " en-US-Neural2-C ", "cmd-channel")
	if err != nil {
		t.Fatal(err)
	}
	if p.Voice != "en-US-Neural2-C" || p.TextChannelID != "cmd-channel" || !p.Enabled {
		t.Errorf("SetVoice without preference = %+v", p)
	}

	if _, err := h.c.SetRate(ctx, guild, "nobody", 1.5); !errors.Is(err, ErrNoPreference) {
		t.Errorf("SetRate without preference = %v", err)
	}
	if _, err := h.c.SetRate(ctx, guild, "a", 0.1); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("SetRate(0.1) = %v", err)
	}
	if p, err = h.c.SetRate(ctx, guild, "a", 1.5); err != nil || p.Rate != 1.5 {
		t.Errorf("SetRate = (%+v, %v)", p, err)
	}

	if err := h.store.SetEnabled(ctx, guild, "a", false); err != nil {
		t.Fatal(err)
	}
	if p, err = h.c.SetChannel(ctx, guild, "a", "new-text"); err != nil {
		t.Fatal(err)
	}
	if p.TextChannelID != "new-text" || p.Enabled || p.Rate != 1.5 || p.Voice != "en-US-Neural2-C" {
		t.Errorf("SetChannel = %+v", p)
	}

	if p, err = h.c.SetChannel(ctx, guild, "fresh", "t2"); err != nil || !p.Enabled || p.Voice != DefaultVoice {
		t.Errorf("SetChannel new user = (%+v, %v)", p, err)
	}
}

func TestCoordinator_StatusAndShutoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	rep, err := h.c.Status(ctx, guild, "a")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Stored || rep.Preference.Voice != DefaultVoice || rep.Session.State != StateDisconnected || len(rep.EnabledUserIDs) != 0 {
		t.Errorf("empty status = %+v", rep)
	}

	h.enable(t, "a", "")
	h.enable(t, "b", "")
	h.presence.set("a", "r1")
	if _, err := h.c.Enable(ctx, EnableParams{GuildID: guild, UserID: "a"}); err != nil {
		t.Fatal(err)
	}
	h.enable(t, "b", "")

	rep, err = h.c.Status(ctx, guild, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Stored || rep.Session.ChannelID != "r1" || rep.Session.ActiveUserID != "a" {
		t.Errorf("status = %+v", rep)
	}
	if len(rep.EnabledUserIDs) != 2 {
		t.Errorf("enabled = %v", rep.EnabledUserIDs)
	}

	n, err := h.c.Shutoff(ctx, guild)
	if err != nil || n != 2 {
		t.Fatalf("Shutoff = (%d, %v), want 2", n, err)
	}
	if st := h.c.Session(guild).Status(); st.State != StateDisconnected {
		t.Errorf("state after shutoff = %s", st.State)
	}
}

func TestCoordinator_StoreFailurePropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.store.FailWith = errors.New("db down")

	err := h.c.HandleMessage(context.Background(), Message{GuildID: guild, ChannelID: text, AuthorID: "a", Content: "hi"})
	if !errors.Is(err, prefs.ErrUnavailable) {
		t.Errorf("HandleMessage = %v, want ErrUnavailable", err)
	}
	if _, err := h.c.Shutoff(context.Background(), guild); !errors.Is(err, prefs.ErrUnavailable) {
		t.Errorf("Shutoff = %v, want ErrUnavailable", err)
	}
}
