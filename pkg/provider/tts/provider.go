// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a remote speech synthesis service (Google Cloud TTS,
// ElevenLabs, …) and turns one utterance into one compressed audio clip. The
// caller decodes the clip for playback; providers never emit PCM.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"strings"
)

// Request describes a single synthesis call.
type Request struct {
	// Text is the utterance to speak. Must be non-empty.
	Text string

	// Voice is the provider-specific voice name (e.g., "en-US-Wavenet-D").
	Voice string

	// Language is the BCP-47 language code (e.g., "en-US").
	Language string

	// Rate is the speaking rate multiplier. Zero means "omit from the request";
	// providers must then use the service default.
	Rate float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize returns the compressed audio clip for req (Ogg/Opus, MP3, …).
	// A non-success response or an empty audio payload is an error.
	Synthesize(ctx context.Context, req Request) ([]byte, error)

	// Name returns the short provider identifier used in logs and metrics.
	Name() string
}

// IgnoresRate reports whether voice belongs to a family that rejects the
// speaking rate parameter (Chirp and Journey voices).
func IgnoresRate(voice string) bool {
	v := strings.ToLower(voice)
	return strings.Contains(v, "-chirp") || strings.Contains(v, "-journey")
}

// LanguageOf derives the language code from a canonical voice name such as
// "en-US-Wavenet-D". It returns fallback when voice does not contain at least
// two dash-separated segments.
func LanguageOf(voice, fallback string) string {
	parts := strings.Split(voice, "-")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fallback
	}
	return parts[0] + "-" + parts[1]
}
