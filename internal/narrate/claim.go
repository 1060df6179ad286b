package narrate

// VoiceStateChange is a voice-presence transition reported by the chat
// platform. Before and After are voice room IDs; "" means no room.
type VoiceStateChange struct {
	GuildID string
	UserID  string
	Before  string
	After   string
	// IsSelf is set when the change concerns the bot itself.
	IsSelf bool
}

// PresenceEvent classifies a [VoiceStateChange].
type PresenceEvent int

const (
	// EventOther covers mute/deafen toggles and other same-room updates.
	EventOther PresenceEvent = iota
	EventJoin
	EventMove
	EventLeave
)

func (e PresenceEvent) String() string {
	switch e {
	case EventJoin:
		return "join"
	case EventMove:
		return "move"
	case EventLeave:
		return "leave"
	}
	return "other"
}

// Classify returns the presence event described by c.
func (c VoiceStateChange) Classify() PresenceEvent {
	switch {
	case c.Before == c.After:
		return EventOther
	case c.Before == "":
		return EventJoin
	case c.After == "":
		return EventLeave
	}
	return EventMove
}

// ClaimAction is what the coordinator does in response to a presence event.
type ClaimAction int

const (
	// ActionNone leaves the session untouched.
	ActionNone ClaimAction = iota
	// ActionClaim moves the session to the actor's new room and disables
	// every enabled user who is not in that room.
	ActionClaim
	// ActionRelease disables the actor; others keep the session.
	ActionRelease
	// ActionReleaseTeardown disables the actor and tears the session down
	// because no enabled user is left in its room.
	ActionReleaseTeardown
)

func (a ClaimAction) String() string {
	switch a {
	case ActionClaim:
		return "claim"
	case ActionRelease:
		return "release"
	case ActionReleaseTeardown:
		return "release_teardown"
	}
	return "none"
}

// ClaimInput is the key of the claim transition table.
type ClaimInput struct {
	Event PresenceEvent
	// Enabled is whether the actor has narration enabled.
	Enabled bool
	// FromBotRoom is whether the actor left the room the session sits in.
	FromBotRoom bool
	// OthersRemaining is whether another enabled user is still in the
	// session's room after the event.
	OthersRemaining bool
}

// claimTable lists every transition that does something. Keys absent from
// the table map to ActionNone. A move claims the new room the same way a
// join does.
var claimTable = map[ClaimInput]ClaimAction{
	{EventJoin, true, false, false}: ActionClaim,
	{EventJoin, true, false, true}:  ActionClaim,
	{EventJoin, true, true, false}:  ActionClaim,
	{EventJoin, true, true, true}:   ActionClaim,

	{EventMove, true, false, false}: ActionClaim,
	{EventMove, true, false, true}:  ActionClaim,
	{EventMove, true, true, false}:  ActionClaim,
	{EventMove, true, true, true}:   ActionClaim,

	{EventLeave, true, true, true}:  ActionRelease,
	{EventLeave, true, true, false}: ActionReleaseTeardown,
}

// Decide looks up the action for in. The policy is most-recent-wins: the
// last enabled user to enter a room takes the session with them.
func Decide(in ClaimInput) ClaimAction {
	return claimTable[in]
}
