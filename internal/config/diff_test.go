package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Narration: config.NarrationConfig{CommandPrefixes: []string{"!narrate"}},
	}
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":9090"}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug, ListenAddr: ":9090"}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("a log level change must not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequiredSections(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":9090"},
		TTS:       config.ProviderEntry{Name: "google"},
		Narration: config.NarrationConfig{IdleTimeout: time.Minute},
	}
	new := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":9191"},
		TTS:       config.ProviderEntry{Name: "elevenlabs"},
		Narration: config.NarrationConfig{IdleTimeout: time.Minute},
	}

	d := config.Diff(old, new)
	want := []string{"server", "tts"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}

func TestDiff_NestedSliceChange(t *testing.T) {
	t.Parallel()
	old := &config.Config{Narration: config.NarrationConfig{CommandPrefixes: []string{"!narrate"}}}
	new := &config.Config{Narration: config.NarrationConfig{CommandPrefixes: []string{"!narrate", "!tts"}}}

	d := config.Diff(old, new)
	if !slices.Equal(d.RestartRequired, []string{"narration"}) {
		t.Errorf("RestartRequired: got %v", d.RestartRequired)
	}
}
