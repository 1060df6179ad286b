package speech

import (
	"errors"
	"fmt"
	"strings"
)

// VoiceDocsURL lists the valid voice names for the Google provider.
const VoiceDocsURL = "https://cloud.google.com/text-to-speech/docs/voices"

// maxDetail bounds the provider detail echoed back into chat.
const maxDetail = 300

// UserMessage renders err as a chat-friendly explanation. Voice selection
// mistakes get a pointer to the voice list.
func UserMessage(err error) string {
	var se *SynthesisError
	if !errors.As(err, &se) {
		return fmt.Sprintf("Narration failed: %v", err)
	}

	detail := se.Err.Error()
	if len(detail) > maxDetail {
		detail = detail[:maxDetail] + "…"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Couldn't synthesize speech with voice `%s`: %s\n", se.Voice, detail)
	if strings.Contains(strings.ToLower(detail), "requires a model name") {
		b.WriteString("This voice family needs its full name (for example `en-US-Chirp3-HD-Charon`). ")
		fmt.Fprintf(&b, "Use the exact **Name** from: %s", VoiceDocsURL)
		return b.String()
	}
	fmt.Fprintf(&b, "Check the voice name with `/narrate voice`. See: %s", VoiceDocsURL)
	return b.String()
}
