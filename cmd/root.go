package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vanrodolf/fleetgrid/cmd/ingest"
	"github.com/vanrodolf/fleetgrid/cmd/publish"
	"github.com/vanrodolf/fleetgrid/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "fleetgrid",
		Short:   "Fleet telemetry ingest service",
		Version: fmt.Sprintf("%s (built %s)", settings.Version, settings.BuildDate),
	}

	// Set up the global flags for the root command.
	setupFlags(rootCmd, settings)

	subcommands := []*cobra.Command{
		ingest.Command(settings),
		publish.Command(settings),
	}
	rootCmd.AddCommand(subcommands...)

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.MQTT.Broker, "broker", viper.GetString("mqtt.broker"), "MQTT broker URL (tcp://, tls:// or ws://)")
	rootCmd.PersistentFlags().StringVar(&settings.MQTT.Username, "username", viper.GetString("mqtt.username"), "MQTT broker username")
	rootCmd.PersistentFlags().StringVar(&settings.MQTT.Password, "password", viper.GetString("mqtt.password"), "MQTT broker password")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
