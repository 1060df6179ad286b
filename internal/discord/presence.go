package discord

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/narrator/internal/narrate"
)

var (
	_ narrate.Presence = (*StatePresence)(nil)
	_ narrate.Notifier = (*ChannelNotifier)(nil)
)

// StatePresence answers voice presence queries from a discordgo state cache
// with voice tracking enabled.
type StatePresence struct {
	state *discordgo.State
}

// NewStatePresence wraps state.
func NewStatePresence(state *discordgo.State) *StatePresence {
	return &StatePresence{state: state}
}

// VoiceChannel returns the voice room userID occupies in guildID.
func (p *StatePresence) VoiceChannel(guildID, userID string) (string, bool) {
	vs, err := p.state.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false
	}
	return vs.ChannelID, true
}

// Members lists the non-bot users in a voice room.
func (p *StatePresence) Members(guildID, channelID string) []string {
	g, err := p.state.Guild(guildID)
	if err != nil {
		return nil
	}
	p.state.RLock()
	defer p.state.RUnlock()

	var out []string
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		if p.state.User != nil && vs.UserID == p.state.User.ID {
			continue
		}
		out = append(out, vs.UserID)
	}
	return out
}

// MessageSender is the part of *discordgo.Session used to post messages.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// maxMessageLen is Discord's limit for message content.
const maxMessageLen = 2000

// ChannelNotifier posts narration diagnostics to text channels.
type ChannelNotifier struct {
	sender MessageSender
}

// NewChannelNotifier wraps sender.
func NewChannelNotifier(sender MessageSender) *ChannelNotifier {
	return &ChannelNotifier{sender: sender}
}

// Notify posts text to channelID, truncated to the message limit.
func (n *ChannelNotifier) Notify(_ context.Context, channelID, text string) error {
	if utf8.RuneCountInString(text) > maxMessageLen {
		r := []rune(text)
		text = string(r[:maxMessageLen-1]) + "…"
	}
	if _, err := n.sender.ChannelMessageSend(channelID, text); err != nil {
		return fmt.Errorf("discord: notify channel %s: %w", channelID, err)
	}
	return nil
}

// MessageFromEvent converts a gateway message. parentID is the parent of the
// message's channel when that channel is a thread.
func MessageFromEvent(m *discordgo.Message, parentID string) narrate.Message {
	msg := narrate.Message{
		ID:        m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		ParentID:  parentID,
		Content:   m.Content,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorBot = m.Author.Bot
	}
	return msg
}

// VoiceChangeFromEvent converts a voice state update. It reports false for
// events that concern other bots.
func VoiceChangeFromEvent(v *discordgo.VoiceStateUpdate, selfID string) (narrate.VoiceStateChange, bool) {
	ch := narrate.VoiceStateChange{
		GuildID: v.GuildID,
		UserID:  v.UserID,
		After:   v.ChannelID,
		IsSelf:  selfID != "" && v.UserID == selfID,
	}
	if v.BeforeUpdate != nil {
		ch.Before = v.BeforeUpdate.ChannelID
	}
	if !ch.IsSelf && v.Member != nil && v.Member.User != nil && v.Member.User.Bot {
		return narrate.VoiceStateChange{}, false
	}
	return ch, true
}
