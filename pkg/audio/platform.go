// Package audio defines the voice-platform abstraction the narrator plays
// speech through.
//
// The two primary abstractions are:
//
//   - [Platform] joins a guild's voice room and returns a [Connection].
//   - [Connection] is the live presence in that room. It plays one encoded
//     clip at a time and can follow users between rooms.
//
// Implementations live in adapter packages (audio/discord for production,
// audio/mock for tests). Encoded clips are turned into PCM by a [Decoder].
package audio

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrConnectionRace reports that the platform is still busy with a
	// previous connect or move for the same guild. Callers should recycle the
	// connection and retry once.
	ErrConnectionRace = errors.New("audio: connection race")

	// ErrNotConnected is returned by [Connection.Play] and
	// [Connection.Move] after the connection was closed.
	ErrNotConnected = errors.New("audio: not connected")

	// ErrAlreadyPlaying is returned by [Connection.Play] while another clip
	// is still in flight.
	ErrAlreadyPlaying = errors.New("audio: already playing")
)

// Connection is a live presence in a voice room.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// ChannelID returns the voice room the connection currently sits in.
	ChannelID() string

	// Move switches the connection to another voice room in the same guild.
	Move(ctx context.Context, channelID string) error

	// Play starts playing clip and returns immediately. onComplete is called
	// exactly once from another goroutine when the clip finishes, fails, or
	// is stopped; a stopped clip reports a nil error.
	Play(clip []byte, onComplete func(error)) error

	// Stop halts the in-flight clip, if any.
	Stop()

	// IsConnected reports whether the connection is usable.
	IsConnected() bool

	// IsPlaying reports whether a clip is in flight.
	IsPlaying() bool

	// Disconnect leaves the voice room. Calling it more than once is a no-op.
	Disconnect() error
}

// Platform joins voice rooms.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID in guildID. ctx bounds the join handshake only.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)

	// Release drops whatever voice state the platform still holds for
	// guildID, including connections the caller has no handle for. It is a
	// no-op when nothing is held.
	Release(guildID string) error
}

// Decoder turns an encoded clip (Ogg/Opus, MP3, ...) into raw PCM: signed
// 16-bit little-endian, 48 kHz, stereo. Cancelling ctx aborts decoding and
// makes the returned reader fail.
type Decoder interface {
	Decode(ctx context.Context, clip []byte) (io.ReadCloser, error)
}

// PCM layout produced by every [Decoder].
const (
	SampleRate = 48000
	Channels   = 2
)
