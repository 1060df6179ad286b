package narrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/pkg/audio"
)

// SessionState is the lifecycle state of a [GuildSession].
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateIdle         SessionState = "idle"
	StatePlaying      SessionState = "playing"
	StateTearingDown  SessionState = "tearing_down"
)

// TeardownReason says why a session released its connection.
type TeardownReason string

const (
	ReasonIdle             TeardownReason = "idle"
	ReasonConnectionLost   TeardownReason = "connection_lost"
	ReasonForcedDisconnect TeardownReason = "forced_disconnect"
	ReasonNobodyLeft       TeardownReason = "nobody_left"
	ReasonShutoff          TeardownReason = "shutoff"
	ReasonReleased         TeardownReason = "released"
	ReasonShutdown         TeardownReason = "shutdown"
)

// DisablesAll reports whether a teardown for this reason must disable every
// preference in the guild.
func (r TeardownReason) DisablesAll() bool {
	switch r {
	case ReasonIdle, ReasonConnectionLost, ReasonForcedDisconnect, ReasonNobodyLeft:
		return true
	}
	return false
}

// SessionConfig tunes a [GuildSession]. Zero fields take the defaults below.
type SessionConfig struct {
	// QueueSize bounds the playback queue. Default: 64.
	QueueSize int

	// ClipTimeout is how long one clip may play before the connection is
	// considered stuck. Default: 60s.
	ClipTimeout time.Duration

	// IdleTimeout is how long a connected session may go without activity.
	// Default: 20m.
	IdleTimeout time.Duration

	// IdlePoll is the watchdog interval. Default: 5s.
	IdlePoll time.Duration

	// EarconWindow is how far back speakers are remembered when deciding
	// whether a voice is shared. Default: 6s.
	EarconWindow time.Duration

	// ConnectBackoff controls retries of transient connect failures.
	ConnectBackoff resilience.BackoffConfig
}

// Session defaults.
const (
	DefaultQueueSize    = 64
	DefaultClipTimeout  = 60 * time.Second
	DefaultIdleTimeout  = 20 * time.Minute
	DefaultIdlePoll     = 5 * time.Second
	DefaultEarconWindow = 6 * time.Second
)

// selfLeaveWindow bounds how long a self-initiated leave waits for the
// platform to echo it.
const selfLeaveWindow = 10 * time.Second

func (c SessionConfig) withDefaults() SessionConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ClipTimeout <= 0 {
		c.ClipTimeout = DefaultClipTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = DefaultIdlePoll
	}
	if c.EarconWindow <= 0 {
		c.EarconWindow = DefaultEarconWindow
	}
	return c
}

// Clip is one unit of playback.
type Clip struct {
	Audio     []byte
	UserID    string
	RequestID string
	Earcon    bool

	// cancels is the session's CancelPlayback count when the clip was queued.
	cancels uint64
}

// SessionStatus is a point-in-time snapshot of a [GuildSession].
type SessionStatus struct {
	State        SessionState
	ChannelID    string
	QueueLen     int
	ActiveUserID string
	LastActivity time.Time
}

// SessionOption configures a [GuildSession].
type SessionOption func(*GuildSession)

// WithSessionMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithSessionMetrics(m *observe.Metrics) SessionOption {
	return func(s *GuildSession) { s.metrics = m }
}

// WithSessionClock replaces time.Now.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *GuildSession) { s.now = now }
}

// WithTeardownHook registers fn to run after every teardown that released
// a connection or stopped running loops.
func WithTeardownHook(fn func(reason TeardownReason)) SessionOption {
	return func(s *GuildSession) { s.onTeardown = fn }
}

type speakerUse struct {
	userID string
	voice  string
	at     time.Time
}

// GuildSession owns the voice connection and the playback queue of one
// guild. Exactly one player goroutine drains the queue while the session is
// running; a watchdog goroutine tears the session down when it goes idle or
// loses its connection.
//
// All exported methods are safe for concurrent use.
type GuildSession struct {
	guildID    string
	platform   audio.Platform
	cfg        SessionConfig
	metrics    *observe.Metrics
	now        func() time.Time
	onTeardown func(TeardownReason)
	log        *slog.Logger

	// connMu serialises connect, move and teardown.
	connMu sync.Mutex

	mu           sync.Mutex
	state        SessionState
	conn         audio.Connection
	queue        chan Clip
	stopLoops    context.CancelFunc
	loopGen      uint64
	lastActivity time.Time
	activeUser   string
	playing      bool
	cancels      uint64
	speakers     []speakerUse

	// ready is closed while conn is set and replaced when it is dropped.
	ready chan struct{}

	// selfLeft is the room the session last left on its own, awaiting the
	// platform's echo; selfLeftAt is when.
	selfLeft   string
	selfLeftAt time.Time
}

// NewGuildSession creates a disconnected session for guildID.
func NewGuildSession(guildID string, platform audio.Platform, cfg SessionConfig, opts ...SessionOption) *GuildSession {
	cfg = cfg.withDefaults()
	s := &GuildSession{
		guildID:  guildID,
		platform: platform,
		cfg:      cfg,
		now:      time.Now,
		state:    StateDisconnected,
		queue:    make(chan Clip, cfg.QueueSize),
		ready:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = slog.With("guild_id", guildID)
	s.lastActivity = s.now()
	return s
}

// GuildID returns the guild this session belongs to.
func (s *GuildSession) GuildID() string { return s.guildID }

// ─── Connection management ────────────────────────────────────────────────────

// EnsureConnected makes the session sit in channelID, connecting or moving as
// needed, and starts the player and watchdog if they are not running.
func (s *GuildSession) EnsureConnected(ctx context.Context, channelID string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil && !conn.IsConnected() {
		// Already gone on the platform side; nothing will echo this.
		s.recycle(conn, "")
		conn = nil
	}

	if conn != nil {
		if conn.ChannelID() == channelID {
			s.startLoops()
			return nil
		}
		err := conn.Move(ctx, channelID)
		if err == nil {
			s.log.Info("narrate: moved voice connection", "channel_id", channelID)
			s.startLoops()
			return nil
		}
		if !isRace(err) {
			return fmt.Errorf("narrate: move to %s: %w", channelID, err)
		}
		race := &ConnectionRaceError{GuildID: s.guildID, ChannelID: channelID, Err: err}
		s.log.Warn("narrate: move rejected, recycling connection", "channel_id", channelID, "err", race)
		s.recycle(conn, conn.ChannelID())
		return s.connectAfterRace(ctx, channelID)
	}

	err := s.connect(ctx, channelID)
	var race *ConnectionRaceError
	if errors.As(err, &race) {
		s.log.Warn("narrate: connect rejected, recycling connection", "channel_id", channelID, "err", race)
		return s.connectAfterRace(ctx, channelID)
	}
	return err
}

// isRace reports whether err means the platform holds connection state the
// session does not know about.
func isRace(err error) bool {
	return errors.Is(err, audio.ErrConnectionRace) || errors.Is(err, audio.ErrNotConnected)
}

// connect must be called with connMu held.
func (s *GuildSession) connect(ctx context.Context, channelID string) error {
	s.setState(StateConnecting)

	var conn audio.Connection
	err := resilience.Retry(ctx, s.cfg.ConnectBackoff, func(attempt int) error {
		c, err := s.platform.Connect(ctx, s.guildID, channelID)
		if err == nil {
			conn = c
			return nil
		}
		if errors.Is(err, audio.ErrConnectionRace) {
			return resilience.Permanent(&ConnectionRaceError{GuildID: s.guildID, ChannelID: channelID, Err: err})
		}
		s.log.Debug("narrate: connect attempt failed", "attempt", attempt, "channel_id", channelID, "err", err)
		return err
	})
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("narrate: connect to %s: %w", channelID, err)
	}
	s.adopt(conn, false)
	s.log.Info("narrate: connected", "channel_id", channelID)
	return nil
}

// connectAfterRace clears platform state and makes one fresh connect attempt.
// connMu must be held.
func (s *GuildSession) connectAfterRace(ctx context.Context, channelID string) error {
	if err := s.platform.Release(s.guildID); err != nil {
		s.log.Warn("narrate: release stale voice state", "err", err)
	}
	s.setState(StateConnecting)
	conn, err := s.platform.Connect(ctx, s.guildID, channelID)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("narrate: reconnect to %s after race: %w", channelID, err)
	}
	// The echo of the recycled connection may still be in flight.
	s.adopt(conn, true)
	s.log.Info("narrate: reconnected after race", "channel_id", channelID)
	return nil
}

// adopt installs conn as the session's connection. Unless keepPending is
// set, a self-leave still awaiting its echo is forgotten so that the next
// departure is judged on its own.
func (s *GuildSession) adopt(conn audio.Connection, keepPending bool) {
	s.mu.Lock()
	s.conn = conn
	s.state = StateIdle
	s.lastActivity = s.now()
	if !keepPending {
		s.selfLeft = ""
	}
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	s.startLoops()
}

// recycle drops conn if it is still the session's connection. The player
// and watchdog keep running so the next EnsureConnected resumes playback.
// echoFrom names the room whose departure the platform will report back;
// "" when the bot is already out of voice and no echo will come.
func (s *GuildSession) recycle(conn audio.Connection, echoFrom string) {
	s.mu.Lock()
	if s.conn != conn || conn == nil {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	s.playing = false
	s.ready = make(chan struct{})
	if echoFrom != "" {
		s.selfLeft = echoFrom
		s.selfLeftAt = s.now()
	}
	s.mu.Unlock()

	conn.Stop()
	if err := conn.Disconnect(); err != nil {
		s.log.Warn("narrate: disconnect during recycle", "err", err)
	}
	s.metrics.ActiveSessions.Add(context.Background(), -1)
}

func (s *GuildSession) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ─── Loops ────────────────────────────────────────────────────────────────────

func (s *GuildSession) startLoops() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopLoops != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopLoops = cancel
	s.loopGen++
	go s.playerLoop(ctx)
	go s.watchdog(ctx, s.loopGen)
}

func (s *GuildSession) playerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case clip := <-s.queue:
			if ctx.Err() != nil {
				return
			}
			s.playSafe(ctx, clip)
		}
	}
}

// playSafe plays one clip and keeps a panicking platform from taking the
// process down with it.
func (s *GuildSession) playSafe(ctx context.Context, clip Clip) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("narrate: playback panicked", "user_id", clip.UserID, "request_id", clip.RequestID, "panic", r)
			s.metrics.RecordClip(ctx, "failed")
		}
	}()
	s.play(ctx, clip)
}

// awaitConnection returns the session's connection, waiting for the next
// EnsureConnected while there is none. It returns nil once ctx ends.
func (s *GuildSession) awaitConnection(ctx context.Context) audio.Connection {
	for {
		s.mu.Lock()
		conn, ready := s.conn, s.ready
		s.mu.Unlock()
		if conn != nil {
			return conn
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *GuildSession) play(ctx context.Context, clip Clip) {
	log := s.log.With("user_id", clip.UserID, "request_id", clip.RequestID)

	// Clips queued behind a recycled connection wait for the reconnect.
	conn := s.awaitConnection(ctx)
	if conn == nil {
		s.metrics.RecordClip(context.Background(), "dropped")
		return
	}
	s.mu.Lock()
	cancelled := s.cancels != clip.cancels
	s.mu.Unlock()
	if cancelled {
		log.Debug("narrate: dropping clip, playback was cancelled")
		s.metrics.RecordClip(ctx, "dropped")
		return
	}
	if !conn.IsConnected() {
		log.Debug("narrate: dropping clip, connection lost")
		s.metrics.RecordClip(ctx, "dropped")
		return
	}

	done := make(chan error, 1)
	start := s.now()
	s.setPlaying(true)
	defer s.finishClip()

	if err := conn.Play(clip.Audio, func(err error) { done <- err }); err != nil {
		log.Warn("narrate: start playback", "err", err)
		s.metrics.RecordClip(ctx, "failed")
		return
	}

	timer := time.NewTimer(s.cfg.ClipTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("narrate: playback failed", "err", err)
			s.metrics.RecordClip(ctx, "failed")
			return
		}
		s.metrics.PlaybackDuration.Record(ctx, s.now().Sub(start).Seconds())
		s.metrics.RecordClip(ctx, "played")
		if clip.Earcon {
			s.metrics.Earcons.Add(ctx, 1)
		}
	case <-timer.C:
		log.Warn("narrate: recycling stuck connection", "err", &PlaybackTimeout{GuildID: s.guildID, After: s.cfg.ClipTimeout})
		conn.Stop()
		s.recycle(conn, conn.ChannelID())
		s.metrics.RecordClip(ctx, "timeout")
	case <-ctx.Done():
		conn.Stop()
	}
}

func (s *GuildSession) setPlaying(p bool) {
	s.mu.Lock()
	s.playing = p
	if p && s.conn != nil {
		s.state = StatePlaying
	}
	s.mu.Unlock()
}

func (s *GuildSession) finishClip() {
	s.mu.Lock()
	s.playing = false
	s.lastActivity = s.now()
	if s.state == StatePlaying {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *GuildSession) watchdog(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.cfg.IdlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reason, stale := s.checkIdle()
			if !stale {
				continue
			}
			s.mu.Lock()
			current := s.loopGen == gen && s.stopLoops != nil
			s.mu.Unlock()
			if current {
				s.Teardown(reason)
			}
			return
		}
	}
}

func (s *GuildSession) checkIdle() (TeardownReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.IsConnected() {
		return ReasonConnectionLost, true
	}
	if !s.playing && len(s.queue) == 0 && s.now().Sub(s.lastActivity) > s.cfg.IdleTimeout {
		return ReasonIdle, true
	}
	return "", false
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Enqueue appends clip to the playback queue without blocking.
func (s *GuildSession) Enqueue(clip Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopLoops == nil {
		return ErrSessionClosed
	}
	s.lastActivity = s.now()
	clip.cancels = s.cancels
	select {
	case s.queue <- clip:
		return nil
	default:
		return ErrQueueFull
	}
}

// CancelPlayback stops the clip in flight and discards everything queued.
// The connection stays up.
func (s *GuildSession) CancelPlayback() int {
	n := s.drain()
	s.mu.Lock()
	conn := s.conn
	s.cancels++
	s.lastActivity = s.now()
	s.mu.Unlock()
	if conn != nil {
		conn.Stop()
	}
	return n + s.drain()
}

func (s *GuildSession) drain() int {
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			return n
		}
	}
}

// ─── Teardown ─────────────────────────────────────────────────────────────────

// Teardown stops playback, leaves the voice room, stops the loops and clears
// the queue. The teardown hook runs afterwards if the session was live.
func (s *GuildSession) Teardown(reason TeardownReason) {
	if s.teardown(reason) && s.onTeardown != nil {
		s.onTeardown(reason)
	}
}

func (s *GuildSession) teardown(reason TeardownReason) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	live := s.stopLoops != nil || s.conn != nil
	if !live {
		s.mu.Unlock()
		return false
	}
	s.state = StateTearingDown
	if s.stopLoops != nil {
		s.stopLoops()
		s.stopLoops = nil
	}
	conn := s.conn
	s.mu.Unlock()

	// After a forced disconnect or a lost link the bot is already out of
	// voice, so no departure will be echoed.
	echoFrom := ""
	if conn != nil && reason != ReasonForcedDisconnect && reason != ReasonConnectionLost {
		echoFrom = conn.ChannelID()
	}
	s.recycle(conn, echoFrom)
	dropped := s.drain()

	s.mu.Lock()
	s.state = StateDisconnected
	s.activeUser = ""
	s.speakers = nil
	s.mu.Unlock()

	s.log.Info("narrate: session torn down", "reason", string(reason), "dropped_clips", dropped)
	return true
}

// ObserveBotLeft records that the platform reported the bot leaving
// channelID. It returns true when the session did not initiate that
// departure, meaning the bot was disconnected by someone else.
func (s *GuildSession) ObserveBotLeft(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selfLeft != "" {
		echo := s.selfLeft == channelID && s.now().Sub(s.selfLeftAt) <= selfLeaveWindow
		if echo || s.now().Sub(s.selfLeftAt) > selfLeaveWindow {
			s.selfLeft = ""
		}
		if echo {
			return false
		}
	}
	return s.conn != nil
}

// ObserveBotMoved records that the platform reported the bot in channelID.
// A connection that believes it sits elsewhere is recycled so the next
// EnsureConnected starts from where the bot really is. It reports whether
// that happened.
func (s *GuildSession) ObserveBotMoved(channelID string) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || conn.ChannelID() == channelID {
		return false
	}
	s.log.Warn("narrate: bot was moved externally, recycling connection",
		"channel_id", channelID, "believed", conn.ChannelID())
	s.recycle(conn, channelID)
	return true
}

// ─── Accessors ────────────────────────────────────────────────────────────────

// ChannelID returns the voice room the session sits in, or "".
func (s *GuildSession) ChannelID() string {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ""
	}
	return conn.ChannelID()
}

// SetActiveUser records the user who most recently claimed the session.
func (s *GuildSession) SetActiveUser(userID string) {
	s.mu.Lock()
	s.activeUser = userID
	s.mu.Unlock()
}

// ObserveSpeaker records that userID is about to be narrated with voice and
// reports whether another user used the same voice within the earcon window.
func (s *GuildSession) ObserveSpeaker(userID, voice string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.speakers[:0]
	shared := false
	for _, u := range s.speakers {
		if now.Sub(u.at) > s.cfg.EarconWindow {
			continue
		}
		if u.voice == voice && u.userID != userID {
			shared = true
		}
		if u.userID == userID {
			continue
		}
		kept = append(kept, u)
	}
	s.speakers = append(kept, speakerUse{userID: userID, voice: voice, at: now})
	return shared
}

// Status returns a snapshot of the session.
func (s *GuildSession) Status() SessionStatus {
	s.mu.Lock()
	st := SessionStatus{
		State:        s.state,
		QueueLen:     len(s.queue),
		ActiveUserID: s.activeUser,
		LastActivity: s.lastActivity,
	}
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		st.ChannelID = conn.ChannelID()
	}
	return st
}
