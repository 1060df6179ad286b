// Package app wires the narrator subsystems into a running service.
//
// The App struct owns the full lifecycle: New opens the preference store,
// the event feed and the synthesis client and builds the coordinator on top
// of the chat platform; Run drives the coordinator, the chat gateway, the ops
// HTTP server and the config watcher; Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithStore,
// WithPublisher, WithMetrics). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/narrator/internal/bus"
	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/discord"
	"github.com/MrWong99/narrator/internal/discord/commands"
	"github.com/MrWong99/narrator/internal/health"
	"github.com/MrWong99/narrator/internal/narrate"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/prefs"
	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/internal/speech"
	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// Chat is the chat platform the narrator serves. [*discord.Bot] implements
// it.
type Chat interface {
	Platform() audio.Platform
	Presence() narrate.Presence
	Notifier() narrate.Notifier
	Permissions() *discord.PermissionChecker
	Router() *discord.CommandRouter
	Attach(h discord.EventHandler, text discord.TextCommandFunc, prefixes []string)
	Connected() bool
	Run(ctx context.Context) error
	Close() error
}

var _ Chat = (*discord.Bot)(nil)

// Providers holds the externally built collaborators. Populated by main.go.
type Providers struct {
	TTS  tts.Provider
	Chat Chat

	// Tones renders the earcon. Nil disables it.
	Tones narrate.ToneSource
}

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	level      *slog.LevelVar
	configPath string

	metrics   *observe.Metrics
	store     prefs.Store
	publisher bus.Publisher
	nats      *bus.NATS
	synth     *speech.Client
	coord     *narrate.Coordinator
	commands  *commands.NarrateCommands
	handler   http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a preference store instead of opening one from config.
// The caller keeps ownership.
func WithStore(s prefs.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects an event publisher instead of connecting to NATS.
func WithPublisher(p bus.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads adjust the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables the config watcher on path during Run.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers.TTS and
// providers.Chat are required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.TTS == nil || providers.Chat == nil {
		return nil, errors.New("app: tts provider and chat platform are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Preference store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Event feed ────────────────────────────────────────────────────
	if err := a.initBus(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	// ── 3. Synthesis client ──────────────────────────────────────────────
	a.initSynth()

	// ── 4. Coordinator + commands ────────────────────────────────────────
	if err := a.initCoordinator(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init coordinator: %w", err)
	}

	// ── 5. Ops HTTP surface ──────────────────────────────────────────────
	a.initOps()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	s, err := OpenStore(ctx, a.cfg.Store)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	slog.Info("preference store opened", "backend", a.cfg.Store.Backend)
	return nil
}

func (a *App) initBus() error {
	if a.publisher != nil {
		return nil
	}
	if a.cfg.Bus.NATSURL == "" {
		a.publisher = bus.Nop{}
		return nil
	}
	n, err := bus.Connect(bus.NATSConfig{
		URL:   a.cfg.Bus.NATSURL,
		Name:  a.cfg.Bus.ClientName,
		Token: a.cfg.Bus.Token,
	}, slog.Default())
	if err != nil {
		return err
	}
	a.nats = n
	a.publisher = n
	a.closers = append(a.closers, func() error {
		n.Close()
		return nil
	})
	return nil
}

func (a *App) initSynth() {
	sc := a.cfg.Speech
	name := a.providers.TTS.Name()
	breaker := resilience.NewCircuitBreaker(sc.Breaker.Resilience("tts:" + name))
	a.synth = speech.NewClient(a.providers.TTS,
		speech.WithCache(speech.NewCache(sc.CacheSize)),
		speech.WithMaxConcurrent(sc.MaxConcurrent),
		speech.WithBreaker(breaker),
		speech.WithEncoding(sc.Encoding),
		speech.WithMetrics(a.metrics),
	)
}

func (a *App) initCoordinator() error {
	chat := a.providers.Chat
	opts := []narrate.Option{
		narrate.WithMetrics(a.metrics),
		narrate.WithPublisher(a.publisher),
	}
	if a.providers.Tones != nil {
		opts = append(opts, narrate.WithTones(a.providers.Tones))
	}
	coord, err := narrate.New(narrate.Deps{
		Platform: chat.Platform(),
		Store:    a.store,
		Synth:    a.synth,
		Presence: chat.Presence(),
		Notifier: chat.Notifier(),
	}, a.cfg.Narration.CoordinatorConfig(), opts...)
	if err != nil {
		return err
	}
	a.coord = coord

	prefixes := a.cfg.Narration.CommandPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{narrate.DefaultCommandPrefix}
	}
	a.commands = commands.New(coord, chat.Permissions())
	a.commands.Register(chat.Router())
	chat.Attach(coord, a.commands.TextHandler(prefixes), prefixes)
	return nil
}

func (a *App) initOps() {
	checks := []health.Checker{
		health.Ping("store", a.store),
		health.Flag("discord", a.providers.Chat.Connected, "gateway not connected"),
	}
	if a.nats != nil {
		checks = append(checks, health.Flag("nats", a.nats.Healthy, "nats disconnected"))
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Coordinator returns the narration coordinator.
func (a *App) Coordinator() *narrate.Coordinator { return a.coord }

// Commands returns the /narrate command set.
func (a *App) Commands() *commands.NarrateCommands { return a.commands }

// Handler returns the ops HTTP handler serving /healthz, /readyz and
// /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the coordinator, the chat gateway, the ops server and the
// config watcher, and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.coord.Run(ctx) })
	g.Go(func() error { return a.providers.Chat.Run(ctx) })

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return a.serve(srv) })
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange)
		if err != nil {
			slog.Warn("config watcher disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error {
				w.Run(ctx)
				return nil
			})
		}
	}

	slog.Info("narrator running", "listen_addr", a.cfg.Server.ListenAddr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) serve(srv *http.Server) error {
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		slog.Info("ops server listening (TLS)", "addr", srv.Addr)
		err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		slog.Info("ops server listening", "addr", srv.Addr)
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: ops server: %w", err)
}

// onConfigChange applies what can change at runtime and reports the rest.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changed; restart to apply", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: voice sessions first, then the chat
// gateway, then the feed and the store. It respects the context deadline:
// if ctx expires before all closers finish, remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.coord.Shutdown(ctx)
		if err := a.providers.Chat.Close(); err != nil {
			slog.Warn("chat close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs closers after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
