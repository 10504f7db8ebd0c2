// Package publish implements a one-shot publish utility for operators.
package publish

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/vanrodolf/fleetgrid/internal/conf"
	"github.com/vanrodolf/fleetgrid/internal/mqtt"
)

// Command creates the publish command. It is a thin CLI wrapper over the
// retrying publisher, handy for poking devices and downstream consumers.
func Command(settings *conf.Settings) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "publish <topic> <payload>",
		Short: "Publish a single message to the MQTT broker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := mqtt.NewClient(mqtt.ConfigFromSettings(settings), nil)
			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Disconnect()

			return client.Publish(ctx, args[0], args[1])
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout for connect and publish")

	return cmd
}
