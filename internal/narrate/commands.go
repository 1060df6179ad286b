package narrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/narrator/internal/prefs"
	"github.com/MrWong99/narrator/internal/speech"
)

// EnableParams are the arguments of [Coordinator.Enable]. Empty fields fall
// back to the stored preference and then to the configured defaults.
type EnableParams struct {
	GuildID   string
	UserID    string
	ChannelID string
	Voice     string
	Rate      *float64
}

// EnableResult reports what [Coordinator.Enable] stored and did.
type EnableResult struct {
	Preference prefs.Preference
	// VoiceChannelID is the room the session joined, or "" when the user is
	// not in voice.
	VoiceChannelID string
}

// Enable turns narration on for a user. When the user sits in a voice room
// the session claims it immediately.
func (c *Coordinator) Enable(ctx context.Context, p EnableParams) (EnableResult, error) {
	existing, err := c.store.Get(ctx, p.GuildID, p.UserID)
	if err != nil {
		return EnableResult{}, fmt.Errorf("narrate: enable: %w", err)
	}

	pref := prefs.Preference{
		GuildID:       p.GuildID,
		UserID:        p.UserID,
		TextChannelID: p.ChannelID,
		Voice:         strings.TrimSpace(p.Voice),
		Rate:          prefs.DefaultRate,
		Enabled:       true,
	}
	if existing != nil {
		if pref.TextChannelID == "" {
			pref.TextChannelID = existing.TextChannelID
		}
		if pref.Voice == "" {
			pref.Voice = existing.Voice
		}
		if existing.Rate > 0 {
			pref.Rate = existing.Rate
		}
	}
	if pref.Voice == "" {
		pref.Voice = c.cfg.DefaultVoice
	}
	if p.Rate != nil {
		if err := validateRate(*p.Rate); err != nil {
			return EnableResult{}, err
		}
		pref.Rate = *p.Rate
	}
	if pref.TextChannelID == "" {
		return EnableResult{}, ErrNoChannel
	}

	if err := c.store.Upsert(ctx, pref); err != nil {
		return EnableResult{}, fmt.Errorf("narrate: enable: %w", err)
	}
	res := EnableResult{Preference: pref}

	if room, ok := c.presence.VoiceChannel(p.GuildID, p.UserID); ok {
		if err := c.claim(ctx, p.GuildID, p.UserID, room); err != nil {
			return res, fmt.Errorf("narrate: enable: %w", err)
		}
		res.VoiceChannelID = room
	}
	return res, nil
}

// Disable turns narration off for a user and reports whether it was on. The
// session leaves its room when no enabled user remains there.
func (c *Coordinator) Disable(ctx context.Context, guildID, userID string) (bool, error) {
	pref, err := c.store.Get(ctx, guildID, userID)
	if err != nil {
		return false, fmt.Errorf("narrate: disable: %w", err)
	}
	if pref == nil || !pref.Enabled {
		return false, nil
	}
	if err := c.store.SetEnabled(ctx, guildID, userID, false); err != nil {
		return false, fmt.Errorf("narrate: disable: %w", err)
	}
	if err := c.releaseIfEmpty(ctx, guildID); err != nil {
		return true, fmt.Errorf("narrate: disable: %w", err)
	}
	return true, nil
}

// SetVoice stores a new voice. A user without a preference gets one bound to
// fallbackChannelID and enabled.
func (c *Coordinator) SetVoice(ctx context.Context, guildID, userID, voice, fallbackChannelID string) (prefs.Preference, error) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return prefs.Preference{}, fmt.Errorf("narrate: set voice: empty voice name")
	}
	pref, err := c.store.Get(ctx, guildID, userID)
	if err != nil {
		return prefs.Preference{}, fmt.Errorf("narrate: set voice: %w", err)
	}
	next := prefs.Preference{
		GuildID:       guildID,
		UserID:        userID,
		TextChannelID: fallbackChannelID,
		Voice:         voice,
		Rate:          prefs.DefaultRate,
		Enabled:       true,
	}
	if pref != nil {
		next.TextChannelID = pref.TextChannelID
		next.Enabled = pref.Enabled
		if pref.Rate > 0 {
			next.Rate = pref.Rate
		}
	}
	if err := c.store.Upsert(ctx, next); err != nil {
		return prefs.Preference{}, fmt.Errorf("narrate: set voice: %w", err)
	}
	return next, nil
}

// SetRate stores a new speaking rate for a user who already has a
// preference.
func (c *Coordinator) SetRate(ctx context.Context, guildID, userID string, rate float64) (prefs.Preference, error) {
	if err := validateRate(rate); err != nil {
		return prefs.Preference{}, err
	}
	pref, err := c.store.Get(ctx, guildID, userID)
	if err != nil {
		return prefs.Preference{}, fmt.Errorf("narrate: set rate: %w", err)
	}
	if pref == nil {
		return prefs.Preference{}, ErrNoPreference
	}
	pref.Rate = rate
	if err := c.store.Upsert(ctx, *pref); err != nil {
		return prefs.Preference{}, fmt.Errorf("narrate: set rate: %w", err)
	}
	return *pref, nil
}

// SetChannel binds a user to a text channel. The enabled flag is kept; a new
// preference starts enabled.
func (c *Coordinator) SetChannel(ctx context.Context, guildID, userID, channelID string) (prefs.Preference, error) {
	if channelID == "" {
		return prefs.Preference{}, ErrNoChannel
	}
	pref, err := c.store.Get(ctx, guildID, userID)
	if err != nil {
		return prefs.Preference{}, fmt.Errorf("narrate: set channel: %w", err)
	}
	next := prefs.Preference{
		GuildID:       guildID,
		UserID:        userID,
		TextChannelID: channelID,
		Voice:         c.cfg.DefaultVoice,
		Rate:          prefs.DefaultRate,
		Enabled:       true,
	}
	if pref != nil {
		next.Enabled = pref.Enabled
		if pref.Voice != "" {
			next.Voice = pref.Voice
		}
		if pref.Rate > 0 {
			next.Rate = pref.Rate
		}
	}
	if err := c.store.Upsert(ctx, next); err != nil {
		return prefs.Preference{}, fmt.Errorf("narrate: set channel: %w", err)
	}
	return next, nil
}

// CancelPlayback stops the guild's current clip and clears its queue. It
// returns the number of queued clips discarded.
func (c *Coordinator) CancelPlayback(guildID string) int {
	sess := c.lookup(guildID)
	if sess == nil {
		return 0
	}
	return sess.CancelPlayback()
}

// StatusReport answers the status command.
type StatusReport struct {
	// Preference is the caller's stored preference with defaults applied.
	// Stored is false when nothing was stored.
	Preference prefs.Preference
	Stored     bool

	Session SessionStatus

	// EnabledUserIDs lists every enabled user in the guild.
	EnabledUserIDs []string
}

// Status reports the caller's preference, the session state and the guild's
// enabled users.
func (c *Coordinator) Status(ctx context.Context, guildID, userID string) (StatusReport, error) {
	pref, err := c.store.Get(ctx, guildID, userID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("narrate: status: %w", err)
	}
	enabled, err := c.store.ListEnabled(ctx, guildID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("narrate: status: %w", err)
	}

	rep := StatusReport{
		Preference: prefs.Preference{GuildID: guildID, UserID: userID},
		Session:    SessionStatus{State: StateDisconnected},
	}
	if pref != nil {
		rep.Preference = *pref
		rep.Stored = true
	}
	if rep.Preference.Voice == "" {
		rep.Preference.Voice = c.cfg.DefaultVoice
	}
	if rep.Preference.Rate <= 0 {
		rep.Preference.Rate = prefs.DefaultRate
	}
	if sess := c.lookup(guildID); sess != nil {
		rep.Session = sess.Status()
	}
	for _, p := range enabled {
		rep.EnabledUserIDs = append(rep.EnabledUserIDs, p.UserID)
	}
	return rep, nil
}

// Shutoff disables narration for everyone in the guild and leaves voice. It
// returns how many preferences were disabled.
func (c *Coordinator) Shutoff(ctx context.Context, guildID string) (int, error) {
	n, err := c.store.DisableAll(ctx, guildID)
	if err != nil {
		return 0, fmt.Errorf("narrate: shutoff: %w", err)
	}
	if sess := c.lookup(guildID); sess != nil {
		sess.Teardown(ReasonShutoff)
	}
	slog.Info("narrate: shutoff", "guild_id", guildID, "disabled", n)
	return n, nil
}

func validateRate(r float64) error {
	if r < speech.MinRate || r > speech.MaxRate {
		return fmt.Errorf("%w: %.2f not in [%.2f, %.2f]", ErrInvalidRate, r, speech.MinRate, speech.MaxRate)
	}
	return nil
}
