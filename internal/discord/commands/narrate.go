// Package commands implements the /narrate slash command and its
// "!narrate" text twin. Both surfaces build an [Invocation] and share
// [NarrateCommands.Execute], so they answer identically.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/narrator/internal/discord"
	"github.com/MrWong99/narrator/internal/narrate"
	"github.com/MrWong99/narrator/internal/prefs"
	"github.com/MrWong99/narrator/internal/speech"
	"github.com/MrWong99/narrator/pkg/provider/tts/google"
)

// commandTimeout bounds one command, including a possible voice connect.
const commandTimeout = 30 * time.Second

// Narrator is the narration control surface. [*narrate.Coordinator]
// implements it.
type Narrator interface {
	Enable(ctx context.Context, p narrate.EnableParams) (narrate.EnableResult, error)
	Disable(ctx context.Context, guildID, userID string) (bool, error)
	SetVoice(ctx context.Context, guildID, userID, voice, fallbackChannelID string) (prefs.Preference, error)
	SetRate(ctx context.Context, guildID, userID string, rate float64) (prefs.Preference, error)
	SetChannel(ctx context.Context, guildID, userID, channelID string) (prefs.Preference, error)
	CancelPlayback(guildID string) int
	Status(ctx context.Context, guildID, userID string) (narrate.StatusReport, error)
	Shutoff(ctx context.Context, guildID string) (int, error)
}

var _ Narrator = (*narrate.Coordinator)(nil)

// Permissions answers the permission questions commands need.
// [*discord.PermissionChecker] implements it.
type Permissions interface {
	CanNarrateIn(channelID string) bool
	ManagesGuild(userID, channelID string) bool
}

var _ Permissions = (*discord.PermissionChecker)(nil)

// Invocation is one parsed /narrate or !narrate command.
type Invocation struct {
	GuildID   string
	UserID    string
	ChannelID string

	// Sub is the canonical subcommand name. Empty means "show usage".
	Sub string

	// Channel, Voice and Rate are the optional arguments.
	Channel string
	Voice   string
	Rate    *float64

	// ManageGuild is set when the caller holds Manage Server.
	ManageGuild bool

	// Prefix is the text prefix used, or "" for slash commands.
	Prefix string
}

func (inv Invocation) cmd() string {
	if inv.Prefix == "" {
		return "/narrate"
	}
	return inv.Prefix
}

// Option configures [NarrateCommands].
type Option func(*NarrateCommands)

// WithVoiceListURL sets the link shown by the voices subcommand.
func WithVoiceListURL(url string) Option {
	return func(c *NarrateCommands) { c.voiceListURL = url }
}

// NarrateCommands holds the dependencies for /narrate.
type NarrateCommands struct {
	narrator     Narrator
	perms        Permissions
	voiceListURL string
}

// New creates NarrateCommands. perms may be nil, in which case channel
// access is not checked and shutoff is refused to text callers.
func New(n Narrator, perms Permissions, opts ...Option) *NarrateCommands {
	c := &NarrateCommands{
		narrator:     n,
		perms:        perms,
		voiceListURL: google.VoiceListURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── slash surface ───────────────────────────────────────────────────────────

var subcommands = []struct{ name, desc string }{
	{"on", "Start narrating your messages"},
	{"off", "Stop narrating your messages"},
	{"cancel", "Stop the current clip and clear the queue"},
	{"status", "Show your settings and the bot's voice state"},
	{"channel", "Set the text channel narrated for you"},
	{"voice", "Set your narration voice"},
	{"rate", "Set your speaking rate"},
	{"voices", "Where to find voice names"},
	{"shutoff", "Disable narration for everyone in this server"},
}

// Register registers /narrate and its subcommands with router.
func (c *NarrateCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("narrate", c.Definition(), func(r discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(r, i, usage("/narrate"))
	})
	for _, sc := range subcommands {
		router.RegisterHandler("narrate/"+sc.name, c.handleSlash)
	}
}

// Definition returns the ApplicationCommand definition for Discord.
func (c *NarrateCommands) Definition() *discordgo.ApplicationCommand {
	channelOpt := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         "channel",
			Description:  "Text channel to narrate",
			ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
			Required:     required,
		}
	}
	voiceOpt := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "voice",
			Description: "Full voice name, e.g. en-US-Neural2-C",
			Required:    required,
		}
	}
	rateOpt := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionNumber,
			Name:        "rate",
			Description: "Speaking rate",
			MinValue:    ptr(speech.MinRate),
			MaxValue:    speech.MaxRate,
			Required:    required,
		}
	}

	var opts []*discordgo.ApplicationCommandOption
	for _, sc := range subcommands {
		sub := &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        sc.name,
			Description: sc.desc,
		}
		switch sc.name {
		case "on":
			sub.Options = []*discordgo.ApplicationCommandOption{channelOpt(false), voiceOpt(false), rateOpt(false)}
		case "channel":
			sub.Options = []*discordgo.ApplicationCommandOption{channelOpt(true)}
		case "voice":
			sub.Options = []*discordgo.ApplicationCommandOption{voiceOpt(true)}
		case "rate":
			sub.Options = []*discordgo.ApplicationCommandOption{rateOpt(true)}
		}
		opts = append(opts, sub)
	}
	return &discordgo.ApplicationCommand{
		Name:        "narrate",
		Description: "Read your text messages aloud in voice chat",
		Options:     opts,
	}
}

func (c *NarrateCommands) handleSlash(r discord.Responder, i *discordgo.InteractionCreate) {
	if i.GuildID == "" {
		discord.RespondEphemeral(r, i, "Narration only works inside a server.")
		return
	}
	inv := InvocationFromInteraction(i)

	// Enabling may connect to voice, which can exceed the 3s reply window.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	discord.EditReply(r, i, c.Execute(ctx, inv))
}

// InvocationFromInteraction builds an Invocation from a /narrate
// interaction.
func InvocationFromInteraction(i *discordgo.InteractionCreate) Invocation {
	inv := Invocation{
		GuildID:     i.GuildID,
		UserID:      interactionUserID(i),
		ChannelID:   i.ChannelID,
		ManageGuild: discord.InteractionManagesGuild(i),
	}
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 || data.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return inv
	}
	sub := data.Options[0]
	inv.Sub = sub.Name
	for _, opt := range sub.Options {
		switch opt.Name {
		case "channel":
			if id, ok := opt.Value.(string); ok {
				inv.Channel = id
			}
		case "voice":
			if v, ok := opt.Value.(string); ok {
				inv.Voice = strings.TrimSpace(v)
			}
		case "rate":
			if f, ok := opt.Value.(float64); ok {
				inv.Rate = &f
			}
		}
	}
	return inv
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// ─── text surface ────────────────────────────────────────────────────────────

// ErrUsage is returned by [ParseText] for malformed arguments.
var ErrUsage = errors.New("commands: bad arguments")

var textAliases = map[string]string{
	"start": "on",
	"stop":  "off",
	"x":     "cancel",
	"help":  "",
}

// ParseText parses a "!narrate ..." message. Arguments of "on" are
// recognised by shape: a channel mention, a number for the rate, anything
// else for the voice.
func ParseText(content string, prefixes []string) (Invocation, error) {
	if len(prefixes) == 0 {
		prefixes = []string{narrate.DefaultCommandPrefix}
	}
	content = strings.TrimSpace(content)
	var inv Invocation
	for _, p := range prefixes {
		if p != "" && len(content) >= len(p) && strings.EqualFold(content[:len(p)], p) {
			inv.Prefix = p
			content = content[len(p):]
			break
		}
	}
	if inv.Prefix == "" {
		return inv, fmt.Errorf("%w: missing command prefix", ErrUsage)
	}

	args := strings.Fields(content)
	if len(args) == 0 {
		return inv, nil
	}
	inv.Sub = strings.ToLower(args[0])
	if canon, ok := textAliases[inv.Sub]; ok {
		inv.Sub = canon
	}
	args = args[1:]

	switch inv.Sub {
	case "on":
		for _, a := range args {
			if id, ok := channelMention(a); ok {
				inv.Channel = id
				continue
			}
			if f, err := strconv.ParseFloat(a, 64); err == nil {
				inv.Rate = &f
				continue
			}
			inv.Voice = a
		}
	case "channel":
		if len(args) != 1 {
			return inv, fmt.Errorf("%w: channel needs one #channel", ErrUsage)
		}
		id, ok := channelMention(args[0])
		if !ok {
			return inv, fmt.Errorf("%w: %q is not a channel mention", ErrUsage, args[0])
		}
		inv.Channel = id
	case "voice":
		if len(args) == 0 {
			return inv, fmt.Errorf("%w: voice needs a voice name", ErrUsage)
		}
		inv.Voice = strings.Join(args, " ")
	case "rate":
		if len(args) != 1 {
			return inv, fmt.Errorf("%w: rate needs one number", ErrUsage)
		}
		f, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return inv, fmt.Errorf("%w: %q is not a number", ErrUsage, args[0])
		}
		inv.Rate = &f
	}
	return inv, nil
}

// channelMention extracts the ID from "<#123>".
func channelMention(s string) (string, bool) {
	if !strings.HasPrefix(s, "<#") || !strings.HasSuffix(s, ">") {
		return "", false
	}
	id := s[2 : len(s)-1]
	if id == "" {
		return "", false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return id, true
}

// TextHandler returns the handler for "!narrate" messages.
func (c *NarrateCommands) TextHandler(prefixes []string) discord.TextCommandFunc {
	return func(ctx context.Context, msg narrate.Message) string {
		inv, err := ParseText(msg.Content, prefixes)
		if err != nil {
			return fmt.Sprintf("%v\n%s", strings.TrimPrefix(err.Error(), "commands: "), usage(inv.cmd()))
		}
		inv.GuildID = msg.GuildID
		inv.UserID = msg.AuthorID
		inv.ChannelID = msg.ChannelID
		if inv.Sub == "shutoff" && c.perms != nil {
			inv.ManageGuild = c.perms.ManagesGuild(msg.AuthorID, msg.ChannelID)
		}
		return c.Execute(ctx, inv)
	}
}

// ─── execution ───────────────────────────────────────────────────────────────

// Execute runs inv and returns the reply text.
func (c *NarrateCommands) Execute(ctx context.Context, inv Invocation) string {
	switch inv.Sub {
	case "on":
		return c.on(ctx, inv)
	case "off":
		return c.off(ctx, inv)
	case "cancel":
		n := c.narrator.CancelPlayback(inv.GuildID)
		return fmt.Sprintf("⏹️ Stopped current narration and cleared the queue (%d dropped).", n)
	case "status":
		return c.status(ctx, inv)
	case "channel":
		return c.channel(ctx, inv)
	case "voice":
		return c.voice(ctx, inv)
	case "rate":
		return c.rate(ctx, inv)
	case "voices":
		return "Choose a voice here (use the exact **Name** as your voice):\n" + c.voiceListURL
	case "shutoff":
		return c.shutoff(ctx, inv)
	default:
		return usage(inv.cmd())
	}
}

func (c *NarrateCommands) on(ctx context.Context, inv Invocation) string {
	target := inv.Channel
	if target == "" {
		rep, err := c.narrator.Status(ctx, inv.GuildID, inv.UserID)
		if err != nil {
			return c.failure(inv, err)
		}
		if rep.Stored {
			target = rep.Preference.TextChannelID
		}
	}
	if target != "" && !c.canNarrateIn(target) {
		return fmt.Sprintf("I need view/send/read-history access in <#%s>.", target)
	}

	res, err := c.narrator.Enable(ctx, narrate.EnableParams{
		GuildID:   inv.GuildID,
		UserID:    inv.UserID,
		ChannelID: target,
		Voice:     inv.Voice,
		Rate:      inv.Rate,
	})
	if err != nil && !res.Preference.Enabled {
		return c.failure(inv, err)
	}

	p := res.Preference
	reply := fmt.Sprintf("Narration enabled for you in <#%s>.\nVoice=%s | Rate=%s.", p.TextChannelID, p.Voice, formatRate(p.Rate))
	switch {
	case err != nil:
		slog.Warn("commands: enable could not join voice", "guild_id", inv.GuildID, "user_id", inv.UserID, "err", err)
		reply += " I could not join your voice channel right now; I will try again when you speak."
	case res.VoiceChannelID != "":
		reply += fmt.Sprintf(" Joined <#%s>.", res.VoiceChannelID)
	default:
		reply += fmt.Sprintf(" Join a voice channel and type in <#%s> to hear narration.", p.TextChannelID)
	}
	return reply
}

func (c *NarrateCommands) off(ctx context.Context, inv Invocation) string {
	was, err := c.narrator.Disable(ctx, inv.GuildID, inv.UserID)
	if err != nil && !was {
		return c.failure(inv, err)
	}
	if err != nil {
		slog.Warn("commands: disable could not release voice", "guild_id", inv.GuildID, "err", err)
	}
	if !was {
		return "Narration is already disabled for you."
	}
	return "Narration disabled for you."
}

func (c *NarrateCommands) status(ctx context.Context, inv Invocation) string {
	rep, err := c.narrator.Status(ctx, inv.GuildID, inv.UserID)
	if err != nil {
		return c.failure(inv, err)
	}
	return FormatStatus(rep, inv.cmd())
}

func (c *NarrateCommands) channel(ctx context.Context, inv Invocation) string {
	if inv.Channel == "" {
		return fmt.Sprintf("Name a channel: `%s channel #text-channel`.", inv.cmd())
	}
	if !c.canNarrateIn(inv.Channel) {
		return fmt.Sprintf("I need view/send/read-history access in <#%s>.", inv.Channel)
	}
	if _, err := c.narrator.SetChannel(ctx, inv.GuildID, inv.UserID, inv.Channel); err != nil {
		return c.failure(inv, err)
	}
	return fmt.Sprintf("Default narration channel set to <#%s>.", inv.Channel)
}

func (c *NarrateCommands) voice(ctx context.Context, inv Invocation) string {
	if inv.Voice == "" {
		return fmt.Sprintf("Name a voice: `%s voice <full-voice-name>`. See `%s voices`.", inv.cmd(), inv.cmd())
	}
	p, err := c.narrator.SetVoice(ctx, inv.GuildID, inv.UserID, inv.Voice, inv.ChannelID)
	if err != nil {
		return c.failure(inv, err)
	}
	reply := fmt.Sprintf("Default voice set to `%s`.", p.Voice)
	if !p.Enabled {
		reply += fmt.Sprintf(" Use `%s on` to start.", inv.cmd())
	}
	return reply
}

func (c *NarrateCommands) rate(ctx context.Context, inv Invocation) string {
	if inv.Rate == nil {
		return fmt.Sprintf("Give a rate: `%s rate 1.25`.", inv.cmd())
	}
	p, err := c.narrator.SetRate(ctx, inv.GuildID, inv.UserID, *inv.Rate)
	if err != nil {
		return c.failure(inv, err)
	}
	return fmt.Sprintf("Speaking rate set to %s.", formatRate(p.Rate))
}

func (c *NarrateCommands) shutoff(ctx context.Context, inv Invocation) string {
	if !inv.ManageGuild {
		return "You need the Manage Server permission to shut narration off for everyone."
	}
	n, err := c.narrator.Shutoff(ctx, inv.GuildID)
	if err != nil {
		return c.failure(inv, err)
	}
	return fmt.Sprintf("Shutoff complete. Disabled narrate for %d user(s).", n)
}

func (c *NarrateCommands) canNarrateIn(channelID string) bool {
	return c.perms == nil || c.perms.CanNarrateIn(channelID)
}

// failure maps command errors to replies. Unexpected errors are logged and
// answered generically.
func (c *NarrateCommands) failure(inv Invocation, err error) string {
	switch {
	case errors.Is(err, narrate.ErrNoChannel):
		return fmt.Sprintf("Choose a text channel first: `%s on #your-text-channel` or set it with `%s channel #your-text-channel`.", inv.cmd(), inv.cmd())
	case errors.Is(err, narrate.ErrInvalidRate):
		return fmt.Sprintf("Rate must be between %s and %s.", formatRate(speech.MinRate), formatRate(speech.MaxRate))
	case errors.Is(err, narrate.ErrNoPreference):
		return fmt.Sprintf("You have no narration settings yet. Start with `%s on #text-channel`.", inv.cmd())
	case errors.Is(err, prefs.ErrUnavailable):
		return "Narration settings are unavailable right now. Try again in a moment."
	}
	slog.Error("commands: narrate failed", "sub", inv.Sub, "guild_id", inv.GuildID, "user_id", inv.UserID, "err", err)
	return "Something went wrong. The error was logged."
}

// FormatStatus renders a status report.
func FormatStatus(rep narrate.StatusReport, cmd string) string {
	p := rep.Preference
	ch := "—"
	if p.TextChannelID != "" {
		ch = "<#" + p.TextChannelID + ">"
	}

	vc := "not connected"
	if rep.Session.ChannelID != "" {
		vc = fmt.Sprintf("<#%s> (%s, %d queued)", rep.Session.ChannelID, rep.Session.State, rep.Session.QueueLen)
	}

	who := "—"
	if rep.Session.ActiveUserID != "" {
		who = "<@" + rep.Session.ActiveUserID + ">"
	}

	enabled := "nobody has narrate enabled"
	if len(rep.EnabledUserIDs) > 0 {
		mentions := make([]string, len(rep.EnabledUserIDs))
		for i, id := range rep.EnabledUserIDs {
			mentions[i] = "<@" + id + ">"
		}
		enabled = strings.Join(mentions, ", ")
	}

	var b strings.Builder
	b.WriteString("**Narration status**\n")
	fmt.Fprintf(&b, "• You: Enabled=%t | Channel=%s | Voice=%s | Rate=%s\n", p.Enabled, ch, p.Voice, formatRate(p.Rate))
	fmt.Fprintf(&b, "• Bot VC: %s\n", vc)
	fmt.Fprintf(&b, "• Active narrator (most-recent): %s\n", who)
	fmt.Fprintf(&b, "• Enabled users in this guild: %s\n", enabled)
	fmt.Fprintf(&b, "Commands: %s on/off, channel, status, cancel, voice, rate, voices, shutoff", cmd)
	return b.String()
}

func usage(cmd string) string {
	lines := []string{
		"Usage:",
		"  " + cmd + " on [#text-channel] [voice] [rate]",
		"  " + cmd + " off",
		"  " + cmd + " status",
		"  " + cmd + " cancel",
		"  " + cmd + " channel #text-channel",
		"  " + cmd + " voice <full-voice-name>",
		"  " + cmd + " rate <number>",
		"  " + cmd + " voices",
		"  " + cmd + " shutoff",
	}
	return strings.Join(lines, "\n")
}

func formatRate(r float64) string {
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func ptr[T any](v T) *T { return &v }
