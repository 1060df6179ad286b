package narrate

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/MrWong99/narrator/internal/prefs"
)

// DefaultCommandPrefix marks text messages addressed to the bot rather than
// meant to be read aloud.
const DefaultCommandPrefix = "!narrate"

// Message is a chat message as seen by the narration pipeline.
type Message struct {
	ID        string
	GuildID   string
	ChannelID string
	// ParentID is the parent text channel when ChannelID is a thread.
	ParentID  string
	AuthorID  string
	AuthorBot bool
	Content   string
}

// Verdict is the outcome of the eligibility filter.
type Verdict string

const (
	VerdictAccepted     Verdict = "accepted"
	VerdictBot          Verdict = "bot"
	VerdictCommand      Verdict = "command"
	VerdictNotEnabled   Verdict = "not_enabled"
	VerdictWrongChannel Verdict = "wrong_channel"
	VerdictEmpty        Verdict = "empty"
	VerdictNotInVoice   Verdict = "not_in_voice"
)

var (
	linkRe     = regexp.MustCompile(`<?https?://\S+`)
	mentionRe  = regexp.MustCompile(`<@!?\d+>|<@&\d+>|<#\d+>`)
	emojiRe    = regexp.MustCompile(`<a?:\w+:\d+>`)
	spaceRunRe = regexp.MustCompile(`\s+`)
)

// IsCommand reports whether content starts with one of prefixes
// (case-insensitive). With no prefixes, [DefaultCommandPrefix] is used.
func IsCommand(content string, prefixes []string) bool {
	if len(prefixes) == 0 {
		prefixes = []string{DefaultCommandPrefix}
	}
	c := strings.ToLower(strings.TrimSpace(content))
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(c, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Clean removes the parts of a chat message that should not be spoken:
// zero-width format characters, links, user/role/channel mentions and custom
// emoji. Remaining whitespace is collapsed.
func Clean(content string) string {
	s := strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, content)
	s = linkRe.ReplaceAllString(s, " ")
	s = mentionRe.ReplaceAllString(s, " ")
	s = emojiRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRunRe.ReplaceAllString(s, " "))
}

// Evaluate applies the eligibility rules to msg. pref is the author's stored
// preference (nil when absent) and inVoice whether the author currently sits
// in a voice room. The cleaned text is returned with [VerdictAccepted].
func Evaluate(msg Message, pref *prefs.Preference, inVoice bool, commandPrefixes []string) (string, Verdict) {
	if msg.AuthorBot {
		return "", VerdictBot
	}
	if IsCommand(msg.Content, commandPrefixes) {
		return "", VerdictCommand
	}
	if pref == nil || !pref.Enabled {
		return "", VerdictNotEnabled
	}
	if pref.TextChannelID == "" ||
		(msg.ChannelID != pref.TextChannelID && msg.ParentID != pref.TextChannelID) {
		return "", VerdictWrongChannel
	}
	text := Clean(msg.Content)
	if text == "" {
		return "", VerdictEmpty
	}
	if !inVoice {
		return "", VerdictNotInVoice
	}
	return text, VerdictAccepted
}
