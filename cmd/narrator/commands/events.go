package commands

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/bus"
)

var eventsGuild string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the narration event feed",
	Long: `Subscribe to the NATS narration feed and print each event as one JSON
line until interrupted.

Example:
  narrator events --guild 123456789012345678 | jq .kind`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Bus.NATSURL == "" {
			return errors.New("bus.nats_url is not configured")
		}

		n, err := bus.Connect(bus.NATSConfig{
			URL:   cfg.Bus.NATSURL,
			Name:  cfg.Bus.ClientName + "-events",
			Token: cfg.Bus.Token,
		}, slog.Default())
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		enc := json.NewEncoder(cmd.OutOrStdout())
		return n.Subscribe(ctx, eventsGuild, func(ev bus.Event) {
			_ = enc.Encode(ev)
		})
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsGuild, "guild", "", "only show events for this guild ID")
}
