package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/app"
	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/discord"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/pkg/audio/ffmpeg"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

var noWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to Discord and narrate",
	Long: `Connect to the Discord gateway, register /narrate and read opted-in
users' messages aloud until interrupted.

The config file is watched for changes; the log level applies live, other
sections need a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lv, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Discord.Token == "" {
			return errors.New("discord token is required; set NARRATOR_DISCORD_TOKEN")
		}
		return serve(cmd.Context(), cfg, lv)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
}

func serve(parent context.Context, cfg *config.Config, lv *slog.LevelVar) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("narrator starting",
		"config", cfgFile,
		"tts", cfg.TTS.Name,
		"store", cfg.Store.Backend,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ──────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ──────────────────────────────────────────────────────────────
	transcoder := ffmpeg.New(cfg.Transcoder.FFmpegPath)
	reg := config.NewRegistry()
	app.RegisterBuiltinTTS(reg, transcoder)
	provider, err := app.BuildTTS(cfg, reg)
	if err != nil {
		return err
	}

	bot, err := discord.New(ctx, discord.Config{
		Token:    cfg.Discord.Token,
		GuildIDs: cfg.Discord.GuildIDs,
	}, transcoder)
	if err != nil {
		return err
	}

	opts := []app.Option{app.WithLevelVar(lv)}
	if !noWatch {
		opts = append(opts, app.WithConfigPath(cfgFile))
	}
	providers := &app.Providers{TTS: provider, Chat: bot, Tones: transcoder}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		if cerr := bot.Close(); cerr != nil {
			slog.Warn("discord close", "err", cerr)
		}
		return err
	}

	slog.Info("narrator ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	slog.Info("stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	return runErr
}
