// Package prefs persists per-user narration preferences keyed by
// (guild, user).
//
// Three backends implement [Store]: PostgreSQL ([Postgres]), SQLite
// ([SQLite]) and an in-process map ([Memory]). Rows are never deleted; the
// narration core only flips Enabled, and explicit commands change the
// channel, voice and rate.
//
// Every backend failure is reported wrapped with [ErrUnavailable] so callers
// can tell "no preference" (nil, nil) apart from "could not ask".
package prefs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks failures of the underlying storage backend.
var ErrUnavailable = errors.New("preference store unavailable")

// DefaultRate is the speaking rate stored for users who never set one.
const DefaultRate = 1.0

// Preference is one user's narration settings within a guild.
type Preference struct {
	GuildID       string
	UserID        string
	TextChannelID string
	Voice         string
	Rate          float64
	Enabled       bool
	UpdatedAt     time.Time
}

// Store is the preference persistence contract. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the preference for (guildID, userID), or (nil, nil) when
	// none exists.
	Get(ctx context.Context, guildID, userID string) (*Preference, error)

	// Upsert inserts p or replaces every mutable field of the existing row.
	Upsert(ctx context.Context, p Preference) error

	// SetEnabled flips the Enabled flag. A missing row is left missing.
	SetEnabled(ctx context.Context, guildID, userID string, enabled bool) error

	// DisableAll disables every enabled preference in the guild and returns
	// how many rows changed.
	DisableAll(ctx context.Context, guildID string) (int, error)

	// DisableAllExcept disables every enabled preference in the guild whose
	// user is not in keep and returns how many rows changed.
	DisableAllExcept(ctx context.Context, guildID string, keep []string) (int, error)

	// ListEnabled returns the enabled preferences of a guild ordered by user.
	ListEnabled(ctx context.Context, guildID string) ([]Preference, error)

	// AnyEnabled reports whether any of userIDs has narration enabled.
	AnyEnabled(ctx context.Context, guildID string, userIDs []string) (bool, error)

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func unavailable(backend, op string, err error) error {
	return fmt.Errorf("prefs: %s: %s: %w: %w", backend, op, ErrUnavailable, err)
}

func normalizeRate(r float64) float64 {
	if r <= 0 {
		return DefaultRate
	}
	return r
}
