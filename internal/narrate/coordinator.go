// Package narrate is the narration core: it decides which chat messages are
// spoken, turns them into queued speech per guild, and keeps each guild's
// voice connection in the room of whoever most recently claimed it.
//
// The [Coordinator] owns a registry of [GuildSession]s, a pool of workers
// that synthesize requests, and the claim policy that reacts to voice
// presence changes. Platform specifics stay behind small interfaces
// ([Presence], [Notifier], [audio.Platform]) so the package is driven
// entirely by tests in isolation from Discord.
package narrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/narrator/internal/bus"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/prefs"
	"github.com/MrWong99/narrator/internal/speech"
	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// ─── Dependencies ─────────────────────────────────────────────────────────────

// Synthesizer turns one utterance into an encoded clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) ([]byte, error)
}

// Presence answers questions about who sits in which voice room.
type Presence interface {
	// VoiceChannel returns the voice room userID currently occupies.
	VoiceChannel(guildID, userID string) (string, bool)
	// Members returns the non-bot users in a voice room.
	Members(guildID, channelID string) []string
}

// Notifier posts short user-facing messages to a text channel.
type Notifier interface {
	Notify(ctx context.Context, channelID, text string) error
}

// ToneSource generates the earcon clip.
type ToneSource interface {
	Tone(ctx context.Context, freqHz float64, d time.Duration) ([]byte, error)
}

// Deps are the collaborators a [Coordinator] needs.
type Deps struct {
	Platform audio.Platform
	Store    prefs.Store
	Synth    Synthesizer
	Presence Presence
	Notifier Notifier
}

func (d Deps) validate() error {
	var errs []error
	if d.Platform == nil {
		errs = append(errs, errors.New("platform is required"))
	}
	if d.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if d.Synth == nil {
		errs = append(errs, errors.New("synthesizer is required"))
	}
	if d.Presence == nil {
		errs = append(errs, errors.New("presence is required"))
	}
	return errors.Join(errs...)
}

// ─── Config ───────────────────────────────────────────────────────────────────

// Coordinator defaults.
const (
	DefaultWorkers        = 4
	DefaultRequestQueue   = 256
	DefaultCoalesceWindow = 500 * time.Millisecond
	DefaultVoice          = "en-US-Wavenet-D"
	DefaultEarconFreq     = 880.0
	DefaultEarconDuration = 180 * time.Millisecond
	DefaultUserRate       = 1.0
	DefaultUserBurst      = 5

	limiterCacheSize = 4096
	notifyTimeout    = 10 * time.Second
)

// Config tunes a [Coordinator]. Zero fields take the defaults above.
type Config struct {
	Workers      int
	RequestQueue int
	ChunkLimit   int

	// CoalesceWindow joins messages from the same user arriving within the
	// window. Negative disables coalescing.
	CoalesceWindow time.Duration

	DefaultVoice    string
	DefaultLanguage string

	DisableEarcon  bool
	EarconFreqHz   float64
	EarconDuration time.Duration

	// UserRate is the sustained per-user message rate. Negative disables
	// rate limiting.
	UserRate  float64
	UserBurst int

	CommandPrefixes []string

	Session SessionConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.RequestQueue <= 0 {
		c.RequestQueue = DefaultRequestQueue
	}
	if c.ChunkLimit <= 0 {
		c.ChunkLimit = DefaultChunkLimit
	}
	if c.CoalesceWindow == 0 {
		c.CoalesceWindow = DefaultCoalesceWindow
	}
	if c.DefaultVoice == "" {
		c.DefaultVoice = DefaultVoice
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = speech.DefaultLanguage
	}
	if c.EarconFreqHz <= 0 {
		c.EarconFreqHz = DefaultEarconFreq
	}
	if c.EarconDuration <= 0 {
		c.EarconDuration = DefaultEarconDuration
	}
	if c.UserRate == 0 {
		c.UserRate = DefaultUserRate
	}
	if c.UserBurst <= 0 {
		c.UserBurst = DefaultUserBurst
	}
	if len(c.CommandPrefixes) == 0 {
		c.CommandPrefixes = []string{DefaultCommandPrefix}
	}
	return c
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithTones enables the shared-voice earcon using src to render it.
func WithTones(src ToneSource) Option {
	return func(c *Coordinator) { c.tones = src }
}

// WithPublisher sets the event feed. Default: bus.Nop.
func WithPublisher(p bus.Publisher) Option {
	return func(c *Coordinator) { c.pub = p }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now for the coordinator and its sessions.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// ─── Coordinator ──────────────────────────────────────────────────────────────

// Request is one unit of narration work.
type Request struct {
	ID              string
	GuildID         string
	UserID          string
	Text            string
	Voice           string
	Language        string
	Rate            float64
	OriginChannelID string
}

type coalesceKey struct{ guildID, userID string }

type pendingText struct {
	req   Request
	parts []string
	timer *time.Timer
}

// Coordinator routes chat messages, presence changes and commands to the
// per-guild sessions. All exported methods are safe for concurrent use.
type Coordinator struct {
	cfg      Config
	platform audio.Platform
	store    prefs.Store
	synth    Synthesizer
	presence Presence
	notifier Notifier
	tones    ToneSource
	pub      bus.Publisher
	metrics  *observe.Metrics
	now      func() time.Time

	requests chan Request
	limiters *lru.Cache[coalesceKey, *rate.Limiter]
	earcon   func() ([]byte, error)

	mu       sync.Mutex
	sessions map[string]*GuildSession

	pendingMu sync.Mutex
	pending   map[coalesceKey]*pendingText
}

// New creates a Coordinator. Call [Coordinator.Run] to start the workers.
func New(deps Deps, cfg Config, opts ...Option) (*Coordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("narrate: new coordinator: %w", err)
	}
	cfg = cfg.withDefaults()

	limiters, err := lru.New[coalesceKey, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("narrate: new coordinator: %w", err)
	}

	c := &Coordinator{
		cfg:      cfg,
		platform: deps.Platform,
		store:    deps.Store,
		synth:    deps.Synth,
		presence: deps.Presence,
		notifier: deps.Notifier,
		pub:      bus.Nop{},
		now:      time.Now,
		requests: make(chan Request, cfg.RequestQueue),
		limiters: limiters,
		sessions: make(map[string]*GuildSession),
		pending:  make(map[coalesceKey]*pendingText),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.tones != nil && !cfg.DisableEarcon {
		c.earcon = sync.OnceValues(func() ([]byte, error) {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			return c.tones.Tone(ctx, cfg.EarconFreqHz, cfg.EarconDuration)
		})
	}
	return c, nil
}

// Session returns the session for guildID, creating it on first use.
func (c *Coordinator) Session(guildID string) *GuildSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[guildID]; ok {
		return s
	}
	s := NewGuildSession(guildID, c.platform, c.cfg.Session,
		WithSessionMetrics(c.metrics),
		WithSessionClock(c.now),
		WithTeardownHook(func(reason TeardownReason) { c.onTeardown(guildID, reason) }),
	)
	c.sessions[guildID] = s
	return s
}

// lookup returns the session for guildID without creating one.
func (c *Coordinator) lookup(guildID string) *GuildSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[guildID]
}

func (c *Coordinator) onTeardown(guildID string, reason TeardownReason) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if reason.DisablesAll() {
		n, err := c.store.DisableAll(ctx, guildID)
		if err != nil {
			slog.Error("narrate: disable preferences after teardown", "guild_id", guildID, "reason", string(reason), "err", err)
		} else if n > 0 {
			slog.Info("narrate: disabled preferences after teardown", "guild_id", guildID, "reason", string(reason), "count", n)
		}
	}
	c.metrics.RecordTeardown(ctx, string(reason))
	c.publish(ctx, bus.Event{Kind: bus.KindTeardown, GuildID: guildID, Detail: string(reason)})
}

func (c *Coordinator) publish(ctx context.Context, ev bus.Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.pub.Publish(ctx, ev)
}

func (c *Coordinator) notify(ctx context.Context, channelID, text string) {
	if c.notifier == nil || channelID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := c.notifier.Notify(ctx, channelID, text); err != nil {
		slog.Warn("narrate: notify", "channel_id", channelID, "err", err)
	}
}

// ─── Workers ──────────────────────────────────────────────────────────────────

// Run processes submitted requests on the worker pool until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for range c.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case req := <-c.requests:
					c.process(gctx, req)
				}
			}
		})
	}
	return g.Wait()
}

// Submit queues req for a worker without blocking.
func (c *Coordinator) Submit(req Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	select {
	case c.requests <- req:
		return nil
	default:
		return ErrBusy
	}
}

func (c *Coordinator) process(ctx context.Context, req Request) {
	ctx = observe.WithNarration(ctx, observe.Narration{GuildID: req.GuildID, UserID: req.UserID, RequestID: req.ID})
	ctx, span := observe.StartSpan(ctx, "narrate.process", trace.WithAttributes(
		attribute.String("tts.voice", req.Voice),
	))
	defer span.End()

	log := observe.Logger(ctx).With("voice", req.Voice)

	channelID, ok := c.presence.VoiceChannel(req.GuildID, req.UserID)
	if !ok {
		log.Debug("narrate: author left voice before playback")
		c.metrics.RecordRequest(ctx, string(VerdictNotInVoice))
		return
	}

	sess := c.Session(req.GuildID)
	if err := sess.EnsureConnected(ctx, channelID); err != nil {
		log.Warn("narrate: connect for request", "channel_id", channelID, "err", err)
		c.metrics.RecordRequest(ctx, "connect_failed")
		return
	}
	sess.SetActiveUser(req.UserID)

	if sess.ObserveSpeaker(req.UserID, req.Voice) {
		c.enqueueEarcon(sess, req, log)
	}

	chunks := Chunk(req.Text, c.cfg.ChunkLimit)
	for i, text := range chunks {
		clip, err := c.synth.Synthesize(ctx, tts.Request{
			Text:     text,
			Voice:    req.Voice,
			Language: req.Language,
			Rate:     req.Rate,
		})
		if err != nil {
			log.Warn("narrate: synthesis failed", "chunk", i, "chunks", len(chunks), "err", err)
			c.notify(ctx, req.OriginChannelID, speech.UserMessage(err))
			c.publish(ctx, bus.Event{Kind: bus.KindSynthError, GuildID: req.GuildID, UserID: req.UserID, RequestID: req.ID, Detail: err.Error()})
			c.metrics.RecordRequest(ctx, "synth_failed")
			return
		}

		err = sess.Enqueue(Clip{Audio: clip, UserID: req.UserID, RequestID: req.ID})
		switch {
		case errors.Is(err, ErrQueueFull):
			log.Warn("narrate: playback queue full", "chunk", i, "err", err)
			c.notify(ctx, req.OriginChannelID, "Narration queue is full, skipped the rest of your message.")
			c.metrics.RecordClip(ctx, "rejected")
			c.metrics.RecordRequest(ctx, "queue_full")
			return
		case err != nil:
			log.Info("narrate: session closed mid-request", "err", err)
			c.metrics.RecordRequest(ctx, "dropped")
			return
		}
	}

	c.metrics.RecordRequest(ctx, "enqueued")
	c.publish(ctx, bus.Event{Kind: bus.KindEnqueued, GuildID: req.GuildID, UserID: req.UserID, RequestID: req.ID, ChannelID: channelID})
}

func (c *Coordinator) enqueueEarcon(sess *GuildSession, req Request, log *slog.Logger) {
	if c.earcon == nil {
		return
	}
	tone, err := c.earcon()
	if err != nil {
		log.Debug("narrate: earcon unavailable", "err", err)
		return
	}
	if err := sess.Enqueue(Clip{Audio: tone, UserID: req.UserID, RequestID: req.ID, Earcon: true}); err != nil {
		log.Debug("narrate: enqueue earcon", "err", err)
	}
}

// ─── Chat messages ────────────────────────────────────────────────────────────

// HandleMessage runs msg through the eligibility filter, the per-user rate
// limit and the coalescer. Only preference store failures are returned.
func (c *Coordinator) HandleMessage(ctx context.Context, msg Message) error {
	if msg.AuthorBot {
		return nil
	}
	if IsCommand(msg.Content, c.cfg.CommandPrefixes) {
		c.metrics.RecordRequest(ctx, string(VerdictCommand))
		return nil
	}

	pref, err := c.store.Get(ctx, msg.GuildID, msg.AuthorID)
	if err != nil {
		return fmt.Errorf("narrate: handle message: %w", err)
	}
	_, inVoice := c.presence.VoiceChannel(msg.GuildID, msg.AuthorID)

	text, verdict := Evaluate(msg, pref, inVoice, c.cfg.CommandPrefixes)
	if verdict != VerdictAccepted {
		c.metrics.RecordRequest(ctx, string(verdict))
		return nil
	}
	if !c.allow(msg.GuildID, msg.AuthorID) {
		slog.Debug("narrate: rate limited", "guild_id", msg.GuildID, "user_id", msg.AuthorID)
		c.metrics.RecordRequest(ctx, "rate_limited")
		return nil
	}

	voice := pref.Voice
	if voice == "" {
		voice = c.cfg.DefaultVoice
	}
	rt := pref.Rate
	if rt <= 0 {
		rt = prefs.DefaultRate
	}
	c.coalesce(Request{
		GuildID:         msg.GuildID,
		UserID:          msg.AuthorID,
		Text:            text,
		Voice:           voice,
		Language:        tts.LanguageOf(voice, c.cfg.DefaultLanguage),
		Rate:            rt,
		OriginChannelID: msg.ChannelID,
	})
	return nil
}

func (c *Coordinator) allow(guildID, userID string) bool {
	if c.cfg.UserRate < 0 {
		return true
	}
	key := coalesceKey{guildID, userID}
	lim, ok := c.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.cfg.UserRate), c.cfg.UserBurst)
		if prev, found, _ := c.limiters.PeekOrAdd(key, lim); found {
			lim = prev
		}
	}
	return lim.AllowN(c.now(), 1)
}

func (c *Coordinator) coalesce(req Request) {
	if c.cfg.CoalesceWindow < 0 {
		c.submitOrReport(req)
		return
	}

	key := coalesceKey{req.GuildID, req.UserID}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if p, ok := c.pending[key]; ok {
		p.parts = append(p.parts, req.Text)
		p.timer.Reset(c.cfg.CoalesceWindow)
		return
	}
	p := &pendingText{req: req, parts: []string{req.Text}}
	p.timer = time.AfterFunc(c.cfg.CoalesceWindow, func() { c.flush(key, p) })
	c.pending[key] = p
}

func (c *Coordinator) flush(key coalesceKey, p *pendingText) {
	c.pendingMu.Lock()
	if c.pending[key] != p {
		c.pendingMu.Unlock()
		return
	}
	delete(c.pending, key)
	req := p.req
	req.Text = strings.Join(p.parts, " ")
	c.pendingMu.Unlock()

	c.submitOrReport(req)
}

func (c *Coordinator) submitOrReport(req Request) {
	ctx := context.Background()
	if err := c.Submit(req); err != nil {
		slog.Warn("narrate: dropping request", "guild_id", req.GuildID, "user_id", req.UserID, "err", err)
		c.metrics.RecordRequest(ctx, "busy")
		c.notify(ctx, req.OriginChannelID, "Narration is overloaded right now, please try again in a moment.")
	}
}

// ─── Voice presence ───────────────────────────────────────────────────────────

// HandleVoiceState applies the claim policy to a presence change.
func (c *Coordinator) HandleVoiceState(ctx context.Context, ch VoiceStateChange) error {
	event := ch.Classify()

	if ch.IsSelf {
		sess := c.lookup(ch.GuildID)
		if sess == nil {
			return nil
		}
		switch event {
		case EventLeave:
			if sess.ObserveBotLeft(ch.Before) {
				slog.Warn("narrate: bot was disconnected externally", "guild_id", ch.GuildID, "channel_id", ch.Before)
				sess.Teardown(ReasonForcedDisconnect)
			}
		case EventMove:
			if sess.ObserveBotMoved(ch.After) {
				slog.Info("narrate: bot was moved externally", "guild_id", ch.GuildID, "from", ch.Before, "to", ch.After)
			}
		}
		return nil
	}
	if event == EventOther {
		return nil
	}

	pref, err := c.store.Get(ctx, ch.GuildID, ch.UserID)
	if err != nil {
		return fmt.Errorf("narrate: voice state: %w", err)
	}

	sess := c.lookup(ch.GuildID)
	botRoom := ""
	if sess != nil {
		botRoom = sess.ChannelID()
	}

	in := ClaimInput{
		Event:       event,
		Enabled:     pref != nil && pref.Enabled,
		FromBotRoom: botRoom != "" && ch.Before == botRoom,
	}
	if in.Event == EventLeave && in.Enabled && in.FromBotRoom {
		in.OthersRemaining, err = c.enabledIn(ctx, ch.GuildID, botRoom, ch.UserID)
		if err != nil {
			return fmt.Errorf("narrate: voice state: %w", err)
		}
	}

	action := Decide(in)
	log := slog.With("guild_id", ch.GuildID, "user_id", ch.UserID, "event", event.String(), "action", action.String())

	switch action {
	case ActionClaim:
		return c.claim(ctx, ch.GuildID, ch.UserID, ch.After)
	case ActionRelease:
		log.Info("narrate: user left the narrated room")
		if err := c.store.SetEnabled(ctx, ch.GuildID, ch.UserID, false); err != nil {
			return fmt.Errorf("narrate: voice state: %w", err)
		}
	case ActionReleaseTeardown:
		log.Info("narrate: last enabled user left the narrated room")
		if err := c.store.SetEnabled(ctx, ch.GuildID, ch.UserID, false); err != nil {
			return fmt.Errorf("narrate: voice state: %w", err)
		}
		sess.Teardown(ReasonNobodyLeft)
	}
	return nil
}

// claim moves the guild's session into channelID on behalf of userID and
// disables every enabled user not present there.
func (c *Coordinator) claim(ctx context.Context, guildID, userID, channelID string) error {
	sess := c.Session(guildID)
	if err := sess.EnsureConnected(ctx, channelID); err != nil {
		return fmt.Errorf("narrate: claim %s: %w", channelID, err)
	}
	sess.SetActiveUser(userID)

	keep := c.presence.Members(guildID, channelID)
	if !slices.Contains(keep, userID) {
		keep = append(keep, userID)
	}
	n, err := c.store.DisableAllExcept(ctx, guildID, keep)
	if err != nil {
		return fmt.Errorf("narrate: claim %s: %w", channelID, err)
	}
	slog.Info("narrate: session claimed", "guild_id", guildID, "user_id", userID, "channel_id", channelID, "disabled", n)
	c.publish(ctx, bus.Event{Kind: bus.KindClaim, GuildID: guildID, UserID: userID, ChannelID: channelID})
	return nil
}

// enabledIn reports whether any user other than exclude in channelID has
// narration enabled.
func (c *Coordinator) enabledIn(ctx context.Context, guildID, channelID, exclude string) (bool, error) {
	members := slices.DeleteFunc(c.presence.Members(guildID, channelID), func(id string) bool { return id == exclude })
	if len(members) == 0 {
		return false, nil
	}
	return c.store.AnyEnabled(ctx, guildID, members)
}

// releaseIfEmpty leaves the bot's room when no enabled user sits in it.
func (c *Coordinator) releaseIfEmpty(ctx context.Context, guildID string) error {
	sess := c.lookup(guildID)
	if sess == nil {
		return nil
	}
	room := sess.ChannelID()
	if room == "" {
		return nil
	}
	occupied, err := c.enabledIn(ctx, guildID, room, "")
	if err != nil {
		return err
	}
	if !occupied {
		sess.Teardown(ReasonReleased)
	}
	return nil
}

// Shutdown tears down every session and drops pending coalesced text.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.pendingMu.Lock()
	for k, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, k)
	}
	c.pendingMu.Unlock()

	c.mu.Lock()
	sessions := make([]*GuildSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Go(func() { s.Teardown(ReasonShutdown) })
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("narrate: shutdown timed out", "err", ctx.Err())
	}
}
