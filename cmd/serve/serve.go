// Package serve runs the full delivery pipeline.
package serve

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/pipeline"
)

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notification delivery pipeline",
		Long:  "Start the queue consumers, retry scheduler, provider maintenance jobs and metrics endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer core.Close()
			return core.Run(cmd.Context())
		},
	}

	cmd.Flags().Int("consumers", 3, "Concurrent consumers per work queue")
	cmd.Flags().String("metrics-listen", "0.0.0.0:8090", "Listen address of the metrics endpoint")
	if err := viper.BindPFlag("queue.consumers", cmd.Flags().Lookup("consumers")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("metrics.listen", cmd.Flags().Lookup("metrics-listen")); err != nil {
		panic(err)
	}

	return cmd
}
