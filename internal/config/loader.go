package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/narrator/internal/narrate"
	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/internal/speech"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NARRATOR_"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts": {"google", "elevenlabs", "coqui", "mock"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. It ignores the environment, which keeps tests
// hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the process environment.
// A missing file is not an error; variables already set are kept.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// envOverrides are the settings that may come from the environment. Secrets
// belong here rather than in the YAML file.
type envOverrides struct {
	DiscordToken string `env:"DISCORD_TOKEN"`
	TTSAPIKey    string `env:"TTS_API_KEY"`
	PostgresDSN  string `env:"POSTGRES_DSN"`
	NATSURL      string `env:"NATS_URL"`
	NATSToken    string `env:"NATS_TOKEN"`
	LogLevel     string `env:"LOG_LEVEL"`
}

// ApplyEnv overwrites cfg with any NARRATOR_* variables that are set.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	setIf(&cfg.Discord.Token, o.DiscordToken)
	setIf(&cfg.TTS.APIKey, o.TTSAPIKey)
	setIf(&cfg.Store.PostgresDSN, o.PostgresDSN)
	setIf(&cfg.Bus.NATSURL, o.NATSURL)
	setIf(&cfg.Bus.Token, o.NATSToken)
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(o.LogLevel)
	}
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ApplyDefaults fills zero values with the documented defaults. Negative
// coalesce windows and user rates are kept since they mean "disabled".
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.TTS.Name == "" {
		cfg.TTS.Name = "google"
	}

	s := &cfg.Speech
	defaultInt(&s.CacheSize, speech.DefaultCacheSize)
	defaultInt(&s.MaxConcurrent, speech.DefaultMaxConcurrent)
	if s.Encoding == "" {
		s.Encoding = speech.DefaultEncoding
	}
	defaultInt(&s.Breaker.MaxFailures, 5)
	defaultDuration(&s.Breaker.ResetTimeout, 30*time.Second)
	defaultInt(&s.Breaker.HalfOpenMax, 3)

	n := &cfg.Narration
	defaultInt(&n.Workers, narrate.DefaultWorkers)
	defaultInt(&n.RequestQueue, narrate.DefaultRequestQueue)
	defaultInt(&n.ChunkLimit, narrate.DefaultChunkLimit)
	defaultDuration(&n.CoalesceWindow, narrate.DefaultCoalesceWindow)
	if n.DefaultVoice == "" {
		n.DefaultVoice = narrate.DefaultVoice
	}
	if n.DefaultLanguage == "" {
		n.DefaultLanguage = speech.DefaultLanguage
	}
	defaultInt(&n.QueueSize, narrate.DefaultQueueSize)
	defaultDuration(&n.ClipTimeout, narrate.DefaultClipTimeout)
	defaultDuration(&n.IdleTimeout, narrate.DefaultIdleTimeout)
	defaultDuration(&n.IdlePoll, narrate.DefaultIdlePoll)
	defaultDuration(&n.EarconWindow, narrate.DefaultEarconWindow)
	if n.Earcon.FreqHz == 0 {
		n.Earcon.FreqHz = narrate.DefaultEarconFreq
	}
	defaultDuration(&n.Earcon.Duration, narrate.DefaultEarconDuration)
	if n.UserRate == 0 {
		n.UserRate = narrate.DefaultUserRate
	}
	defaultInt(&n.UserBurst, narrate.DefaultUserBurst)
	if len(n.CommandPrefixes) == 0 {
		n.CommandPrefixes = []string{narrate.DefaultCommandPrefix}
	}
	defaultInt(&n.ConnectAttempts, 3)

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreSQLite
	}
	if cfg.Store.Backend == StoreSQLite && cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "narrator.db"
	}
	if cfg.Transcoder.FFmpegPath == "" {
		cfg.Transcoder.FFmpegPath = "ffmpeg"
	}
	if cfg.Bus.ClientName == "" {
		cfg.Bus.ClientName = "narrator"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "narrator"
	}
}

func defaultInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func defaultDuration(v *time.Duration, d time.Duration) {
	if *v == 0 {
		*v = d
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		bad("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		bad("server.tls requires both cert_file and key_file")
	}

	validateProviderName("tts", cfg.TTS.Name)
	if cfg.TTS.Name == "google" || cfg.TTS.Name == "elevenlabs" {
		if cfg.TTS.APIKey == "" {
			slog.Warn("tts.api_key is empty; synthesis requests will be rejected", "provider", cfg.TTS.Name)
		}
	}

	s := cfg.Speech
	if s.CacheSize < 0 {
		bad("speech.cache_size %d must be positive", s.CacheSize)
	}
	if s.MaxConcurrent < 0 {
		bad("speech.max_concurrent %d must be positive", s.MaxConcurrent)
	}
	if s.Breaker.MaxFailures < 0 || s.Breaker.HalfOpenMax < 0 || s.Breaker.ResetTimeout < 0 {
		bad("speech.breaker values must not be negative")
	}

	n := cfg.Narration
	if n.Workers < 0 || n.Workers > 256 {
		bad("narration.workers %d is out of range [1, 256]", n.Workers)
	}
	if n.RequestQueue < 0 {
		bad("narration.request_queue %d must be positive", n.RequestQueue)
	}
	if n.ChunkLimit < 0 || (n.ChunkLimit > 0 && n.ChunkLimit < 20) {
		bad("narration.chunk_limit %d must be at least 20", n.ChunkLimit)
	}
	if n.QueueSize < 0 || n.QueueSize > 4096 {
		bad("narration.queue_size %d is out of range [1, 4096]", n.QueueSize)
	}
	for name, d := range map[string]time.Duration{
		"clip_timeout":  n.ClipTimeout,
		"idle_timeout":  n.IdleTimeout,
		"idle_poll":     n.IdlePoll,
		"earcon_window": n.EarconWindow,
	} {
		if d < 0 {
			bad("narration.%s %s must not be negative", name, d)
		}
	}
	if n.IdlePoll > 0 && n.IdleTimeout > 0 && n.IdlePoll > n.IdleTimeout {
		bad("narration.idle_poll %s exceeds idle_timeout %s", n.IdlePoll, n.IdleTimeout)
	}
	if n.Earcon.FreqHz != 0 && (n.Earcon.FreqHz < 20 || n.Earcon.FreqHz > 20000) {
		bad("narration.earcon.freq_hz %.0f is out of range [20, 20000]", n.Earcon.FreqHz)
	}
	if n.Earcon.Duration < 0 || n.Earcon.Duration > 2*time.Second {
		bad("narration.earcon.duration %s is out of range (0, 2s]", n.Earcon.Duration)
	}
	if n.UserBurst < 0 {
		bad("narration.user_burst %d must be positive", n.UserBurst)
	}
	if n.ConnectAttempts < 0 || n.ConnectAttempts > 10 {
		bad("narration.connect_attempts %d is out of range [1, 10]", n.ConnectAttempts)
	}

	switch st := cfg.Store; {
	case st.Backend != "" && !st.Backend.IsValid():
		bad("store.backend %q is invalid; valid values: postgres, sqlite, memory", st.Backend)
	case st.Backend == StorePostgres && st.PostgresDSN == "":
		bad("store.postgres_dsn is required when backend is postgres")
	case st.Backend == StoreMemory:
		slog.Warn("store.backend is memory; preferences are lost on restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// SessionConfig converts the narration section into the session settings.
func (n NarrationConfig) SessionConfig() narrate.SessionConfig {
	return narrate.SessionConfig{
		QueueSize:      n.QueueSize,
		ClipTimeout:    n.ClipTimeout,
		IdleTimeout:    n.IdleTimeout,
		IdlePoll:       n.IdlePoll,
		EarconWindow:   n.EarconWindow,
		ConnectBackoff: resilience.BackoffConfig{Attempts: n.ConnectAttempts},
	}
}

// CoordinatorConfig converts the narration section into coordinator settings.
func (n NarrationConfig) CoordinatorConfig() narrate.Config {
	return narrate.Config{
		Workers:         n.Workers,
		RequestQueue:    n.RequestQueue,
		ChunkLimit:      n.ChunkLimit,
		CoalesceWindow:  n.CoalesceWindow,
		DefaultVoice:    n.DefaultVoice,
		DefaultLanguage: n.DefaultLanguage,
		DisableEarcon:   n.Earcon.Disabled,
		EarconFreqHz:    n.Earcon.FreqHz,
		EarconDuration:  n.Earcon.Duration,
		UserRate:        n.UserRate,
		UserBurst:       n.UserBurst,
		CommandPrefixes: n.CommandPrefixes,
		Session:         n.SessionConfig(),
	}
}

// BreakerConfig converts the breaker section for the named provider.
func (b BreakerConfig) Resilience(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
	}
}
