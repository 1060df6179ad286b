// Package google provides a Google Cloud Text-to-Speech provider using the v1
// REST API with API-key authentication. It implements the tts.Provider
// interface and always requests OGG_OPUS audio.
//
// Typical usage:
//
//	p, err := google.New(apiKey, google.WithTimeout(15*time.Second))
//	clip, err := p.Synthesize(ctx, tts.Request{
//	    Text:     "hello world",
//	    Voice:    "en-US-Wavenet-D",
//	    Language: "en-US",
//	    Rate:     1.0,
//	})
//
// Chirp and Journey voices reject the speakingRate field; callers signal this
// by passing Rate 0 and the field is then omitted from the request body.
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL  = "https://texttospeech.googleapis.com"
	synthesizePath  = "/v1/text:synthesize"
	defaultTimeout  = 15 * time.Second
	defaultEncoding = "OGG_OPUS"

	// maxErrorBody caps how much of a failed response body ends up in errors.
	maxErrorBody = 500
)

// VoiceListURL is the public catalogue of voice names accepted by the API.
const VoiceListURL = "https://cloud.google.com/text-to-speech/docs/voices"

// Option is a functional option for configuring a Google Provider.
type Option func(*Provider)

// WithBaseURL overrides the API endpoint (used by tests and regional proxies).
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by Google Cloud Text-to-Speech.
// It is safe for concurrent use.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a Google Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("google: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "google".
func (p *Provider) Name() string { return "google" }

// ---- wire types ----

type synthesizeRequest struct {
	Input       inputConfig `json:"input"`
	Voice       voiceConfig `json:"voice"`
	AudioConfig audioConfig `json:"audioConfig"`
}

type inputConfig struct {
	Text string `json:"text"`
}

type voiceConfig struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name"`
}

type audioConfig struct {
	AudioEncoding string   `json:"audioEncoding"`
	SpeakingRate  *float64 `json:"speakingRate,omitempty"`
}

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

// Synthesize calls text:synthesize and returns the decoded Ogg/Opus clip.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("google: text must not be empty")
	}
	if req.Voice == "" {
		return nil, errors.New("google: voice must not be empty")
	}

	body := synthesizeRequest{
		Input: inputConfig{Text: req.Text},
		Voice: voiceConfig{LanguageCode: req.Language, Name: req.Voice},
		AudioConfig: audioConfig{
			AudioEncoding: defaultEncoding,
		},
	}
	if req.Rate > 0 {
		rate := req.Rate
		body.AudioConfig.SpeakingRate = &rate
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("google: marshal request: %w", err)
	}

	endpoint := p.baseURL + synthesizePath + "?key=" + url.QueryEscape(p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("google: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("google: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("google: decode response: %w", err)
	}
	if out.AudioContent == "" {
		return nil, errors.New("google: response missing audioContent")
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("google: decode audioContent: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("google: empty audioContent")
	}
	return audio, nil
}
