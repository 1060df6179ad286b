// Package speech implements the speech synthesis client used by the narration
// pipeline: a bounded LRU [Cache] of synthesized clips in front of a
// [tts.Provider], with a process-wide cap on concurrent outbound calls and a
// circuit breaker around the provider.
//
// The cache and the concurrency semaphore are shared across all guilds and are
// internally synchronised.
package speech

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

const (
	// DefaultMaxConcurrent caps simultaneous provider calls across all guilds.
	DefaultMaxConcurrent = 10

	// DefaultLanguage is used when neither the request nor the voice name
	// yields a language code.
	DefaultLanguage = "en-US"

	// DefaultEncoding labels the cache entries produced by the provider.
	DefaultEncoding = "OGG_OPUS"

	// MinRate and MaxRate bound the speaking rate for classic voices.
	MinRate = 0.25
	MaxRate = 4.0
)

// SynthesisError reports a failed synthesis call. It wraps the provider error
// (or a description of the empty payload) and carries the voice for
// diagnostics.
type SynthesisError struct {
	Voice string
	Err   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech: synthesize with voice %q: %v", e.Voice, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// errEmptyAudio is wrapped into a SynthesisError when a provider returns no bytes.
var errEmptyAudio = errors.New("provider returned empty audio")

// Option configures a [Client].
type Option func(*Client)

// WithCache replaces the default cache.
func WithCache(c *Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithMaxConcurrent sets the global cap on concurrent provider calls.
func WithMaxConcurrent(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.maxConcurrent = n
		}
	}
}

// WithBreaker wraps provider calls with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = cb }
}

// WithMetrics records synthesis metrics into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithEncoding sets the encoding label used in cache keys.
func WithEncoding(enc string) Option {
	return func(cl *Client) { cl.encoding = enc }
}

// Client synthesizes text through a provider with caching and bounded fan-out.
// It is safe for concurrent use.
type Client struct {
	provider      tts.Provider
	cache         *Cache
	sem           *semaphore.Weighted
	maxConcurrent int
	breaker       *resilience.CircuitBreaker
	metrics       *observe.Metrics
	encoding      string
}

// NewClient creates a Client around provider.
func NewClient(provider tts.Provider, opts ...Option) *Client {
	c := &Client{
		provider:      provider,
		maxConcurrent: DefaultMaxConcurrent,
		encoding:      DefaultEncoding,
	}
	for _, o := range opts {
		o(c)
	}
	if c.cache == nil {
		c.cache = NewCache(DefaultCacheSize)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tts/" + provider.Name()})
	}
	c.sem = semaphore.NewWeighted(int64(c.maxConcurrent))
	return c
}

// Cache returns the client's clip cache.
func (c *Client) Cache() *Cache { return c.cache }

// EffectiveRate returns the rate used for both the cache key and the
// outbound request. Voices that ignore rate always yield 1.0; otherwise zero
// means 1.0 and other values are clamped to [MinRate, MaxRate].
func EffectiveRate(voice string, rate float64) float64 {
	if tts.IgnoresRate(voice) || rate == 0 {
		return 1.0
	}
	return min(max(rate, MinRate), MaxRate)
}

// KeyFor returns the cache key a request would use.
func (c *Client) KeyFor(req tts.Request) Key {
	lang := req.Language
	if lang == "" {
		lang = tts.LanguageOf(req.Voice, DefaultLanguage)
	}
	return Key{
		Language: lang,
		Voice:    req.Voice,
		Text:     req.Text,
		Encoding: c.encoding,
		Rate:     EffectiveRate(req.Voice, req.Rate),
	}
}

// Synthesize returns the audio clip for req, consulting the cache first.
// Misses wait for a global concurrency slot, then call the provider. Any
// provider failure or empty payload is returned as a *SynthesisError.
func (c *Client) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	key := c.KeyFor(req)

	if audio, ok := c.cache.Get(key); ok {
		c.metrics.RecordCacheLookup(ctx, true)
		return audio, nil
	}
	c.metrics.RecordCacheLookup(ctx, false)

	ctx, span := observe.StartSpan(ctx, "speech.synthesize",
		trace.WithAttributes(
			attribute.String("tts.provider", c.provider.Name()),
			attribute.String("tts.voice", key.Voice),
			attribute.Int("tts.text_len", len(key.Text)),
		),
	)
	defer span.End()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &SynthesisError{Voice: req.Voice, Err: err}
	}
	defer c.sem.Release(1)

	out := tts.Request{Text: key.Text, Voice: key.Voice, Language: key.Language}
	if !tts.IgnoresRate(key.Voice) {
		out.Rate = key.Rate
	}

	start := time.Now()
	var audio []byte
	err := c.breaker.Execute(func() error {
		var callErr error
		audio, callErr = c.provider.Synthesize(ctx, out)
		if callErr == nil && len(audio) == 0 {
			callErr = errEmptyAudio
		}
		return callErr
	})
	c.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		c.metrics.RecordProviderRequest(ctx, c.provider.Name(), "tts", "error")
		c.metrics.RecordProviderError(ctx, c.provider.Name(), "tts")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &SynthesisError{Voice: req.Voice, Err: err}
	}
	c.metrics.RecordProviderRequest(ctx, c.provider.Name(), "tts", "ok")

	c.cache.Put(key, audio)
	return audio, nil
}
