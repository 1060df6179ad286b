// Package mock provides test doubles for the Discord session surface used
// by the narrator: interaction responses and channel messages.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// SentMessage is one recorded ChannelMessageSend call.
type SentMessage struct {
	ChannelID string
	Content   string
}

// Session records interaction responses and channel messages.
type Session struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// Edits records the content of all InteractionResponseEdit calls.
	Edits []string

	// Sent records all ChannelMessageSend calls.
	Sent []SentMessage

	// Err is returned by every method when non-nil.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *Session) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// InteractionResponseEdit records the edited content.
func (m *Session) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content := ""
	if edit.Content != nil {
		content = *edit.Content
	}
	m.Edits = append(m.Edits, content)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-edit", Content: content}, nil
}

// ChannelMessageSend records the message.
func (m *Session) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentMessage{ChannelID: channelID, Content: content})
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-message", ChannelID: channelID, Content: content}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *Session) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastContent returns the text of the latest edit or response, whichever
// came last in recording order of kinds: edits win over responses.
func (m *Session) LastContent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Edits) > 0 {
		return m.Edits[len(m.Edits)-1]
	}
	if len(m.Responses) > 0 && m.Responses[len(m.Responses)-1].Data != nil {
		return m.Responses[len(m.Responses)-1].Data.Content
	}
	return ""
}

// Messages returns a copy of the recorded channel messages.
func (m *Session) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}

// Reset clears all recorded calls and errors.
func (m *Session) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.Edits = nil
	m.Sent = nil
	m.Err = nil
}
