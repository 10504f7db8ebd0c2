// Package ingest implements the blocking ingest run mode.
package ingest

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vanrodolf/fleetgrid/internal/conf"
	"github.com/vanrodolf/fleetgrid/internal/datastore"
	"github.com/vanrodolf/fleetgrid/internal/ingest"
	"github.com/vanrodolf/fleetgrid/internal/logging"
	"github.com/vanrodolf/fleetgrid/internal/mqtt"
	"github.com/vanrodolf/fleetgrid/internal/observability"
)

// Command creates the ingest command, the service's main run mode.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Consume device telemetry from the MQTT broker",
		Long: "Subscribe to passenger counting and GPS accuracy test topics and " +
			"persist inbound messages until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the ingest command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Ingest.TopicPrefix, "prefix", viper.GetString("ingest.topicprefix"), "First topic segment devices publish under")
	cmd.Flags().BoolVar(&settings.Ingest.Telemetry.Enabled, "telemetry", viper.GetBool("ingest.telemetry.enabled"), "Enable Prometheus telemetry endpoint")
	cmd.Flags().StringVar(&settings.Ingest.Telemetry.Listen, "listen", viper.GetString("ingest.telemetry.listen"), "Listen address and port of telemetry endpoint")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

// runIngest wires the datastore, metrics, MQTT client and runner together
// and blocks until the process receives an interrupt.
func runIngest(settings *conf.Settings) error {
	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no database output enabled")
	}
	if err := store.Open(); err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error("Error closing datastore", "error", err)
		}
	}()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	quit := make(chan struct{})
	defer close(quit)
	if settings.Ingest.Telemetry.Enabled {
		observability.NewEndpoint(settings.Ingest.Telemetry.Listen, metrics).Start(quit)
	}

	client := mqtt.NewClient(mqtt.ConfigFromSettings(settings), metrics.MQTT)
	runner, err := ingest.NewRunner(settings, store, client, metrics)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("Starting ingest", "broker", settings.MQTT.Broker, "prefix", settings.Ingest.TopicPrefix)
	return runner.Run(ctx)
}
