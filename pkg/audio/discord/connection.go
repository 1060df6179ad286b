package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/narrator/pkg/audio"
)

var _ audio.Connection = (*Connection)(nil)

// lostGrace is how long discordgo may report the voice link as down before
// the connection counts as lost. discordgo resumes dropped voice websockets
// on its own within this window.
const lostGrace = 15 * time.Second

// Connection adapts a discordgo voice connection to [audio.Connection]. Clips
// are decoded to PCM by the platform's [audio.Decoder], encoded into 20 ms
// Opus frames and written to the voice connection's send channel.
type Connection struct {
	guildID string
	decoder audio.Decoder

	// join (re)joins a voice room; Move goes through it as well.
	join func(channelID string) (*discordgo.VoiceConnection, error)

	// tracked returns the voice connection discordgo holds for the guild.
	// Nil skips that check.
	tracked func() *discordgo.VoiceConnection

	mu         sync.Mutex
	vc         *discordgo.VoiceConnection
	channelID  string
	connected  bool
	cancelPlay context.CancelFunc
	playDone   chan struct{}
	downSince  time.Time

	// disconnectVC, speaking and now are overridden in tests.
	disconnectVC func(*discordgo.VoiceConnection) error
	speaking     func(*discordgo.VoiceConnection, bool) error
	now          func() time.Time
}

func newConnection(guildID, channelID string, vc *discordgo.VoiceConnection, dec audio.Decoder,
	join func(string) (*discordgo.VoiceConnection, error), tracked func() *discordgo.VoiceConnection) *Connection {
	return &Connection{
		guildID:      guildID,
		decoder:      dec,
		join:         join,
		tracked:      tracked,
		vc:           vc,
		channelID:    channelID,
		connected:    true,
		disconnectVC: func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() },
		speaking:     func(vc *discordgo.VoiceConnection, b bool) error { return vc.Speaking(b) },
		now:          time.Now,
	}
}

// ChannelID returns the voice room the bot currently occupies. discordgo
// updates the voice connection when someone else moves the bot, so that
// room wins over the one last joined.
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	vc, ch := c.vc, c.channelID
	c.mu.Unlock()
	if vc == nil {
		return ch
	}
	vc.RLock()
	defer vc.RUnlock()
	if vc.ChannelID != "" {
		return vc.ChannelID
	}
	return ch
}

// IsConnected reports whether the bot still holds a working voice link in
// the guild. It turns false after Disconnect, when discordgo no longer
// tracks this voice connection, or when the link has not been ready for
// longer than lostGrace.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.vc == nil {
		return c.connected
	}
	if c.tracked != nil && c.tracked() != c.vc {
		return false
	}

	c.vc.RLock()
	ready := c.vc.Ready
	c.vc.RUnlock()
	if ready {
		c.downSince = time.Time{}
		return true
	}
	now := c.now()
	if c.downSince.IsZero() {
		c.downSince = now
	}
	return now.Sub(c.downSince) <= lostGrace
}

// IsPlaying reports whether a clip is being streamed.
func (c *Connection) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playDone != nil
}

// Move rejoins the guild's voice connection in channelID. Discord keeps one
// voice connection per guild, so this changes rooms without a full teardown.
func (c *Connection) Move(ctx context.Context, channelID string) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return audio.ErrNotConnected
	}
	if c.ChannelID() == channelID {
		return nil
	}

	vc, err := joinWithContext(ctx, func() (*discordgo.VoiceConnection, error) { return c.join(channelID) })
	if err != nil {
		return fmt.Errorf("discord: move guild %s to %s: %w", c.guildID, channelID, classify(err))
	}

	c.mu.Lock()
	c.vc = vc
	c.channelID = channelID
	c.downSince = time.Time{}
	c.mu.Unlock()
	return nil
}

// Play starts streaming clip in the background.
func (c *Connection) Play(clip []byte, onComplete func(error)) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return audio.ErrNotConnected
	}
	if c.playDone != nil {
		c.mu.Unlock()
		return audio.ErrAlreadyPlaying
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancelPlay = cancel
	c.playDone = done
	vc := c.vc
	c.mu.Unlock()

	go func() {
		err := c.stream(ctx, vc, clip)
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		c.mu.Lock()
		if c.playDone == done {
			c.playDone = nil
			c.cancelPlay = nil
		}
		c.mu.Unlock()
		cancel()
		close(done)

		if onComplete != nil {
			onComplete(err)
		}
	}()
	return nil
}

// Stop cancels the in-flight clip and waits for its stream to wind down.
func (c *Connection) Stop() {
	c.mu.Lock()
	cancel, done := c.cancelPlay, c.playDone
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Disconnect stops playback and leaves the voice room.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	vc := c.vc
	c.mu.Unlock()

	c.Stop()
	if vc == nil {
		return nil
	}
	if err := c.disconnectVC(vc); err != nil {
		return fmt.Errorf("discord: disconnect guild %s: %w", c.guildID, err)
	}
	return nil
}

// stream decodes clip and pushes Opus frames to vc until the clip ends or
// ctx is cancelled. A trailing partial frame is padded with silence.
func (c *Connection) stream(ctx context.Context, vc *discordgo.VoiceConnection, clip []byte) error {
	pcm, err := c.decoder.Decode(ctx, clip)
	if err != nil {
		return fmt.Errorf("discord: decode clip: %w", err)
	}
	defer pcm.Close()

	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}

	c.setSpeaking(vc, true)
	defer c.setSpeaking(vc, false)

	buf := make([]byte, frameBytes)
	for {
		n, readErr := io.ReadFull(pcm, buf)
		switch {
		case errors.Is(readErr, io.EOF):
			return nil
		case errors.Is(readErr, io.ErrUnexpectedEOF):
			clear(buf[n:])
		case readErr != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("discord: read pcm: %w", readErr)
		}

		pkt, err := enc.encode(buf)
		if err != nil {
			return err
		}
		select {
		case vc.OpusSend <- pkt:
		case <-ctx.Done():
			return ctx.Err()
		}
		if readErr != nil {
			return nil
		}
	}
}

func (c *Connection) setSpeaking(vc *discordgo.VoiceConnection, b bool) {
	if err := c.speaking(vc, b); err != nil {
		slog.Warn("discord: speaking notification error", "guild_id", c.guildID, "speaking", b, "err", err)
	}
}
