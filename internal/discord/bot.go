// Package discord is the Discord layer of the narrator. It owns the
// discordgo.Session lifecycle, routes slash command interactions, turns
// gateway events into narration inputs, and answers presence queries from
// the gateway state cache.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/narrator/internal/narrate"
	"github.com/MrWong99/narrator/pkg/audio"
	discordaudio "github.com/MrWong99/narrator/pkg/audio/discord"
)

// eventTimeout bounds the work done for one gateway event.
const eventTimeout = 30 * time.Second

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildIDs scopes command registration. Empty registers globally.
	GuildIDs []string
}

// EventHandler consumes narration inputs. [*narrate.Coordinator] implements
// it.
type EventHandler interface {
	HandleMessage(ctx context.Context, msg narrate.Message) error
	HandleVoiceState(ctx context.Context, ch narrate.VoiceStateChange) error
}

// TextCommandFunc handles a message that starts with a command prefix. It
// returns the reply to post, or "" for none.
type TextCommandFunc func(ctx context.Context, msg narrate.Message) string

// Bot owns the Discord gateway connection.
type Bot struct {
	session  *discordgo.Session
	platform *discordaudio.Platform
	router   *CommandRouter
	guildIDs []string

	mu           sync.RWMutex
	events       EventHandler
	textCommands TextCommandFunc
	prefixes     []string
	registered   map[string][]*discordgo.ApplicationCommand

	closeOnce sync.Once
}

// New creates a Bot and opens the gateway connection. Decoded clips are
// played through dec.
func New(_ context.Context, cfg Config, dec audio.Decoder) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentGuildVoiceStates
	session.State.TrackVoice = true
	session.State.TrackChannels = true
	session.State.TrackThreads = true

	b := &Bot{
		session:    session,
		platform:   discordaudio.New(session, dec),
		router:     NewCommandRouter(),
		guildIDs:   cfg.GuildIDs,
		registered: make(map[string][]*discordgo.ApplicationCommand),
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onVoiceStateUpdate)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

// Platform returns the voice platform backed by this session.
func (b *Bot) Platform() audio.Platform { return b.platform }

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter { return b.router }

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session { return b.session }

// Presence answers voice presence queries from the gateway state cache.
func (b *Bot) Presence() narrate.Presence { return NewStatePresence(b.session.State) }

// Notifier posts narration diagnostics as channel messages.
func (b *Bot) Notifier() narrate.Notifier { return NewChannelNotifier(b.session) }

// Permissions answers permission questions from the gateway state cache.
func (b *Bot) Permissions() *PermissionChecker { return NewPermissionChecker(b.session.State) }

// Attach routes gateway events to h. Messages starting with one of
// prefixes go to text instead, when text is non-nil.
func (b *Bot) Attach(h EventHandler, text TextCommandFunc, prefixes []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = h
	b.textCommands = text
	b.prefixes = prefixes
}

// Connected reports whether the gateway session is up and has received its
// ready payload.
func (b *Bot) Connected() bool {
	b.session.RLock()
	defer b.session.RUnlock()
	return b.session.DataReady
}

// SelfID returns the bot's user ID, or "" before the ready payload.
func (b *Bot) SelfID() string {
	if u := b.session.State.User; u != nil {
		return u.ID
	}
	return ""
}

// Run registers slash commands and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	appID := b.SelfID()
	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		scopes := b.guildIDs
		if len(scopes) == 0 {
			scopes = []string{""}
		}
		for _, guildID := range scopes {
			registered, err := b.session.ApplicationCommandBulkOverwrite(appID, guildID, cmds)
			if err != nil {
				return fmt.Errorf("discord: register commands (guild %q): %w", guildID, err)
			}
			b.mu.Lock()
			b.registered[guildID] = registered
			b.mu.Unlock()
			slog.Info("discord commands registered", "count", len(registered), "guild_id", guildID)
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close removes guild-scoped commands and disconnects from Discord. Global
// commands are kept since they take long to propagate again.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		appID := b.SelfID()
		b.mu.Lock()
		for guildID, cmds := range b.registered {
			if guildID == "" {
				continue
			}
			for _, cmd := range cmds {
				if err := b.session.ApplicationCommandDelete(appID, guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "guild_id", guildID, "err", err)
				}
			}
		}
		b.mu.Unlock()

		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return closeErr
}

// ─── gateway events ──────────────────────────────────────────────────────────

func (b *Bot) handlers() (EventHandler, TextCommandFunc, []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.events, b.textCommands, b.prefixes
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.GuildID == "" || m.Author == nil {
		return
	}
	events, text, prefixes := b.handlers()
	if events == nil {
		return
	}
	msg := MessageFromEvent(m.Message, threadParent(s, m.ChannelID))

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	if text != nil && !msg.AuthorBot && narrate.IsCommand(msg.Content, prefixes) {
		if reply := text(ctx, msg); reply != "" {
			if _, err := s.ChannelMessageSend(m.ChannelID, reply); err != nil {
				slog.Warn("discord: failed to reply to text command", "channel_id", m.ChannelID, "err", err)
			}
		}
		return
	}
	if err := events.HandleMessage(ctx, msg); err != nil {
		slog.Error("discord: handle message", "guild_id", msg.GuildID, "user_id", msg.AuthorID, "err", err)
	}
}

func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil {
		return
	}
	events, _, _ := b.handlers()
	if events == nil {
		return
	}
	ch, ok := VoiceChangeFromEvent(v, b.SelfID())
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := events.HandleVoiceState(ctx, ch); err != nil {
		slog.Error("discord: handle voice state", "guild_id", ch.GuildID, "user_id", ch.UserID, "err", err)
	}
}

// threadParent returns the parent channel of a thread, or "" for ordinary
// channels. It falls back to a REST lookup when the state cache misses.
func threadParent(s *discordgo.Session, channelID string) string {
	ch, err := s.State.Channel(channelID)
	if err != nil {
		ch, err = s.Channel(channelID)
		if err != nil {
			slog.Debug("discord: channel lookup failed", "channel_id", channelID, "err", err)
			return ""
		}
	}
	if ch.IsThread() {
		return ch.ParentID
	}
	return ""
}
