// Package retry re-attempts failed notifications from the command line.
package retry

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/pipeline"
)

// Command creates the retry command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [notification-id]",
		Short: "Retry failed notifications",
		Long: "Retry a single failed notification by id, or every failed notification " +
			"still under the retry limit when no id is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer core.Close()

			if len(args) == 1 {
				return core.Scheduler.Retry(cmd.Context(), args[0])
			}
			return core.Scheduler.RetryAll(cmd.Context())
		},
	}

	cmd.AddCommand(listCommand(settings))
	return cmd
}

// listCommand prints the notifications eligible for retry.
func listCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List failed notifications eligible for retry",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := pipeline.New(settings)
			if err != nil {
				return err
			}
			defer core.Close()

			eligible, err := core.Scheduler.NotificationsForRetry(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tRECIPIENT\tRETRIES\tERROR")
			for i := range eligible {
				n := &eligible[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					n.ID, n.Type, n.Recipient, n.RetryCount, n.ErrorMessage)
			}
			return w.Flush()
		},
	}
}
