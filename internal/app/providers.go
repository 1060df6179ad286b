package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/narrate"
	"github.com/MrWong99/narrator/internal/prefs"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/provider/tts/coqui"
	"github.com/MrWong99/narrator/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/narrator/pkg/provider/tts/google"
)

// RegisterBuiltinTTS wires the TTS providers that ship with the narrator into
// reg. tones backs the "mock" provider used for dry runs; it may be nil when
// that provider is not needed.
func RegisterBuiltinTTS(reg *config.Registry, tones narrate.ToneSource) {
	reg.RegisterTTS("google", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []google.Option
		if e.BaseURL != "" {
			opts = append(opts, google.WithBaseURL(e.BaseURL))
		}
		if s := e.OptionInt("timeout_seconds", 0); s > 0 {
			opts = append(opts, google.WithTimeout(time.Duration(s)*time.Second))
		}
		return google.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := e.OptionString("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := e.OptionString("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := e.OptionString("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if s := e.OptionInt("timeout_seconds", 0); s > 0 {
			opts = append(opts, coqui.WithTimeout(time.Duration(s)*time.Second))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		if tones == nil {
			return nil, errors.New("mock tts needs a tone source")
		}
		return &toneTTS{tones: tones}, nil
	})
}

// BuildTTS creates the configured TTS provider from reg.
func BuildTTS(cfg *config.Config, reg *config.Registry) (tts.Provider, error) {
	p, err := reg.CreateTTS(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: create tts provider %q: %w", cfg.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.TTS.Name)
	return p, nil
}

// OpenStore opens the preference store selected by cfg.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (prefs.Store, error) {
	switch cfg.Backend {
	case config.StorePostgres:
		return prefs.OpenPostgres(ctx, cfg.PostgresDSN)
	case config.StoreSQLite:
		return prefs.OpenSQLite(ctx, cfg.SQLitePath)
	case config.StoreMemory:
		return prefs.NewMemory(), nil
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
	}
}

// ─── dry-run provider ────────────────────────────────────────────────────────

const (
	toneFreqHz  = 440.0
	toneMin     = 150 * time.Millisecond
	toneMax     = 3 * time.Second
	tonePerRune = 20 * time.Millisecond
)

// toneTTS stands in for a real provider when no credentials are at hand:
// each request becomes a beep whose length grows with the text.
type toneTTS struct {
	tones narrate.ToneSource
}

var _ tts.Provider = (*toneTTS)(nil)

func (t *toneTTS) Name() string { return "mock" }

func (t *toneTTS) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if req.Text == "" {
		return nil, errors.New("mock tts: empty text")
	}
	d := time.Duration(utf8.RuneCountInString(req.Text)) * tonePerRune
	d = min(max(d, toneMin), toneMax)
	clip, err := t.tones.Tone(ctx, toneFreqHz, d)
	if err != nil {
		return nil, fmt.Errorf("mock tts: %w", err)
	}
	return clip, nil
}
