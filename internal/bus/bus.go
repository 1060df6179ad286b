// Package bus publishes narration lifecycle events to an external feed.
//
// Events are fire-and-forget: a Publisher never reports failure to the
// caller. The NATS implementation logs delivery problems and moves on so a
// broker outage cannot stall playback.
package bus

import (
	"context"
	"time"
)

// Kind identifies the type of a narration event.
type Kind string

const (
	// KindEnqueued is published after an utterance has been queued for playback.
	KindEnqueued Kind = "enqueued"
	// KindTeardown is published when a guild session releases its connection.
	KindTeardown Kind = "teardown"
	// KindClaim is published when a user takes over the guild's session.
	KindClaim Kind = "claim"
	// KindSynthError is published when speech synthesis fails for a request.
	KindSynthError Kind = "synth_error"
)

// Event is one entry in the narration feed.
type Event struct {
	Kind      Kind      `json:"kind"`
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) {}

var _ Publisher = Nop{}

// SubjectPrefix is the root of every subject the feed publishes on.
const SubjectPrefix = "narrator"

// Subject returns the subject an event is published on:
// narrator.<guild>.<kind>.
func Subject(ev Event) string {
	guild := ev.GuildID
	if guild == "" {
		guild = "_"
	}
	return SubjectPrefix + "." + guild + "." + string(ev.Kind)
}
