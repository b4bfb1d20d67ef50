// Package cmd assembles the command line interface.
package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/notify-go/cmd/provider"
	"github.com/tphakala/notify-go/cmd/retry"
	"github.com/tphakala/notify-go/cmd/serve"
	"github.com/tphakala/notify-go/internal/buildinfo"
	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/logging"
)

// Execute builds the root command and runs it with the given context.
func Execute(ctx context.Context) error {
	var configFile string
	var closeFileLogger func() error
	settings := &conf.Settings{}

	rootCmd := &cobra.Command{
		Use:          "notify-go",
		Short:        "Notification delivery core",
		Version:      buildinfo.String(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := conf.Load(configFile)
			if err != nil {
				return err
			}
			*settings = *loaded

			logging.Init()
			if settings.Debug {
				logging.SetLevel(slog.LevelDebug)
			}

			if log := settings.Main.Log; log.Enabled {
				level := slog.LevelInfo
				if settings.Debug {
					level = slog.LevelDebug
				}
				fileLogger, closeFunc, err := logging.NewFileLogger(log.Path, settings.Main.Name, level, logging.FileLoggerOptions{
					MaxSizeMB:  log.MaxSizeMB,
					MaxBackups: log.MaxBackups,
					MaxAgeDays: log.MaxAgeDays,
				})
				if err != nil {
					return err
				}
				slog.SetDefault(fileLogger)
				closeFileLogger = closeFunc
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if closeFileLogger != nil {
				_ = closeFileLogger()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug output")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return err
	}

	rootCmd.AddCommand(
		serve.Command(settings),
		retry.Command(settings),
		provider.Command(settings),
	)

	return rootCmd.ExecuteContext(ctx)
}
