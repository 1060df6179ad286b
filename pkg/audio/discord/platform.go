// Package discord provides an [audio.Platform] backed by Discord voice
// channels through bwmarrin/discordgo. The bot joins self-deafened: it only
// speaks, it never listens.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/narrator/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] on top of a shared discordgo session
// owned by the bot layer. It is safe for concurrent use; discordgo keeps at
// most one voice connection per guild.
type Platform struct {
	session *discordgo.Session
	decoder audio.Decoder
}

// New creates a Platform. dec turns synthesized clips into PCM.
func New(session *discordgo.Session, dec audio.Decoder) *Platform {
	return &Platform{session: session, decoder: dec}
}

// Connect joins channelID in guildID.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	join := func(ch string) (*discordgo.VoiceConnection, error) {
		// mute=false: we send audio. deaf=true: we never receive any.
		return p.session.ChannelVoiceJoin(guildID, ch, false, true)
	}

	vc, err := joinWithContext(ctx, func() (*discordgo.VoiceConnection, error) { return join(channelID) })
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %s in guild %s: %w", channelID, guildID, classify(err))
	}
	return newConnection(guildID, channelID, vc, p.decoder, join, func() *discordgo.VoiceConnection {
		return p.tracked(guildID)
	}), nil
}

// tracked returns the voice connection discordgo currently holds for guildID.
func (p *Platform) tracked(guildID string) *discordgo.VoiceConnection {
	p.session.RLock()
	defer p.session.RUnlock()
	return p.session.VoiceConnections[guildID]
}

// Release disconnects the voice connection discordgo tracks for guildID.
func (p *Platform) Release(guildID string) error {
	vc := p.tracked(guildID)
	if vc == nil {
		return nil
	}
	if err := vc.Disconnect(); err != nil {
		return fmt.Errorf("discord: release voice connection in guild %s: %w", guildID, err)
	}
	return nil
}

// joinWithContext runs a blocking discordgo join and gives up when ctx ends.
// discordgo does not accept a context, so an abandoned join finishes in the
// background and its connection is released.
func joinWithContext(ctx context.Context, join func() (*discordgo.VoiceConnection, error)) (*discordgo.VoiceConnection, error) {
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vc, err := join()
		ch <- result{vc, err}
	}()

	select {
	case r := <-ch:
		return r.vc, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// classify maps discordgo's handshake failures that mean "another join for
// this guild is still in progress" onto [audio.ErrConnectionRace].
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already") || strings.Contains(msg, "timeout waiting for voice") {
		return fmt.Errorf("%w: %w", audio.ErrConnectionRace, err)
	}
	return err
}
