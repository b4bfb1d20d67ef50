// Package provider manages the email provider pool from the command line.
package provider

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/mailer"
)

// Command creates the provider command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage the email provider pool",
	}

	cmd.AddCommand(
		listCommand(settings),
		resetCommand(settings),
		enableCommand(settings, true),
		enableCommand(settings, false),
		testCommand(settings),
	)
	return cmd
}

// openStore connects to the record store without the rest of the
// pipeline; provider administration does not need the broker.
func openStore(settings *conf.Settings) (datastore.Interface, error) {
	store := datastore.New(settings)
	if store == nil {
		return nil, fmt.Errorf("no database backend enabled")
	}
	if err := store.Open(); err != nil {
		return nil, err
	}
	return store, nil
}

func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured providers with usage and state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(settings)
			if err != nil {
				return err
			}
			defer store.Close()

			providers, err := store.AllProviders(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tHOST\tPRIORITY\tUSAGE\tACTIVE")
			for i := range providers {
				p := &providers[i]
				fmt.Fprintf(w, "%s\t%s\t%s:%d\t%d\t%d/%d\t%t\n",
					p.ID, p.Name, p.Host, p.Port, p.Priority,
					p.CurrentUsage, p.DailyLimit, p.Active)
			}
			return w.Flush()
		},
	}
}

func resetCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <provider-id>",
		Short: "Reset a provider's daily usage counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(settings)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.ResetProviderUsage(cmd.Context(), args[0])
		},
	}
}

func enableCommand(settings *conf.Settings, active bool) *cobra.Command {
	use, short := "enable <provider-id>", "Mark a provider active"
	if !active {
		use, short = "disable <provider-id>", "Take a provider out of rotation"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(settings)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SetProviderActive(cmd.Context(), args[0], active)
		},
	}
}

func testCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "test <provider-id>",
		Short: "Probe a provider's SMTP endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(settings)
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := store.GetProvider(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			sender := mailer.NewSMTPSender()
			if err := sender.Probe(cmd.Context(), p); err != nil {
				return fmt.Errorf("probe of %s failed: %w", p.Name, err)
			}
			fmt.Printf("provider %s (%s:%d) reachable\n", p.Name, p.Host, p.Port)
			return nil
		},
	}
}
