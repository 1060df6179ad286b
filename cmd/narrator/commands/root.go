// Package commands implements the narrator command line.
package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/config"
)

var (
	// Global flags
	cfgFile string
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "narrator",
	Short: "Read Discord chat aloud in voice channels",
	Long: `narrator joins the voice channel of users who opted in and speaks
the messages they type in their chosen text channel.

Secrets are read from the environment (or a .env file):
  NARRATOR_DISCORD_TOKEN, NARRATOR_TTS_API_KEY, NARRATOR_POSTGRES_DSN

Examples:
  # Run the bot
  narrator serve --config config.yaml

  # Preview a voice without Discord
  narrator synth "Hello there" --voice en-US-Wavenet-D -o hello.ogg`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "force debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the dotenv file and the config, and installs the default
// logger at the configured level. The returned LevelVar lets a config reload
// adjust the level later.
func loadConfig() (*config.Config, *slog.LevelVar, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", cfgFile)
		}
		return nil, nil, err
	}

	lv := new(slog.LevelVar)
	lv.Set(cfg.Server.LogLevel.Slog())
	if verbose {
		lv.Set(slog.LevelDebug)
	}
	slog.SetDefault(newLogger(lv))
	return cfg, lv, nil
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
