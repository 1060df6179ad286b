package discord

import "github.com/bwmarrin/discordgo"

// narratePerms are what the bot needs in a bound text channel: see it, read
// its messages and answer in it.
const narratePerms = discordgo.PermissionViewChannel |
	discordgo.PermissionSendMessages |
	discordgo.PermissionReadMessageHistory

// PermissionChecker answers permission questions from the gateway state.
type PermissionChecker struct {
	state *discordgo.State
}

// NewPermissionChecker creates a PermissionChecker over state.
func NewPermissionChecker(state *discordgo.State) *PermissionChecker {
	return &PermissionChecker{state: state}
}

// InteractionManagesGuild reports whether the interaction author holds
// Manage Server. Discord resolves member permissions into the interaction
// payload; interactions outside a guild never qualify.
func InteractionManagesGuild(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	return i.Member.Permissions&discordgo.PermissionManageGuild != 0 ||
		i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

// ManagesGuild reports whether userID holds Manage Server, evaluated in
// channelID.
func (p *PermissionChecker) ManagesGuild(userID, channelID string) bool {
	perms, err := p.state.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false
	}
	return perms&discordgo.PermissionManageGuild != 0 || perms&discordgo.PermissionAdministrator != 0
}

// CanNarrateIn reports whether the bot can read and answer in channelID.
// Unknown state yields true so that a cold cache does not block commands.
func (p *PermissionChecker) CanNarrateIn(channelID string) bool {
	if p.state.User == nil {
		return true
	}
	perms, err := p.state.UserChannelPermissions(p.state.User.ID, channelID)
	if err != nil {
		return true
	}
	return perms&narratePerms == narratePerms
}
