package narrate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueFull is returned by [GuildSession.Enqueue] when the playback
	// queue is at capacity.
	ErrQueueFull = errors.New("narrate: playback queue full")

	// ErrBusy is returned by [Coordinator.Submit] when the inbound request
	// queue is at capacity.
	ErrBusy = errors.New("narrate: request queue full")

	// ErrPlaybackTimeout matches [*PlaybackTimeout] via errors.Is.
	ErrPlaybackTimeout = errors.New("narrate: playback timed out")

	// ErrSessionClosed is returned when enqueueing to a session whose player
	// is not running.
	ErrSessionClosed = errors.New("narrate: session not running")

	// ErrNoChannel is returned by Enable when neither the command nor the
	// stored preference names a text channel.
	ErrNoChannel = errors.New("narrate: no text channel configured")

	// ErrNoPreference is returned by operations that need an existing
	// preference.
	ErrNoPreference = errors.New("narrate: no preference stored")

	// ErrInvalidRate is returned when a speaking rate is outside the accepted
	// range.
	ErrInvalidRate = errors.New("narrate: rate out of range")
)

// PlaybackTimeout reports a clip that did not finish within the clip timeout.
type PlaybackTimeout struct {
	GuildID string
	After   time.Duration
}

func (e *PlaybackTimeout) Error() string {
	return fmt.Sprintf("narrate: guild %s: clip did not finish within %s", e.GuildID, e.After)
}

// Is makes errors.Is(err, ErrPlaybackTimeout) succeed.
func (e *PlaybackTimeout) Is(target error) bool { return target == ErrPlaybackTimeout }

// ConnectionRaceError reports that the voice platform rejected a connect or
// move because of connection state it holds that the session does not know
// about.
type ConnectionRaceError struct {
	GuildID   string
	ChannelID string
	Err       error
}

func (e *ConnectionRaceError) Error() string {
	return fmt.Sprintf("narrate: guild %s: connection race joining %s: %v", e.GuildID, e.ChannelID, e.Err)
}

func (e *ConnectionRaceError) Unwrap() error { return e.Err }
