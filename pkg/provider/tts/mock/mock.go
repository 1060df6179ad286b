// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio clips and to verify which requests
// reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte("ogg")}
//	clip, _ := p.Synthesize(ctx, tts.Request{Text: "hi", Voice: "en-US-Wavenet-D"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is returned by Synthesize when Err is nil and AudioFunc is nil.
	Audio []byte

	// AudioFunc, if set, computes the returned clip from the request.
	AudioFunc func(req tts.Request) []byte

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// Block, if non-nil, makes Synthesize wait until the channel is closed or
	// ctx is done before returning.
	Block chan struct{}

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured clip or error.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Req: req})
	block := p.Block
	err := p.Err
	audio := p.Audio
	fn := p.AudioFunc
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(req), nil
	}
	return audio, nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// CallCount returns the number of Synthesize calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// SetErr replaces Err under the lock so tests can flip failures mid-run.
func (p *Provider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
