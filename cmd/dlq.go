package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/service"
)

func newDLQCmd(factory service.ComponentFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain the dead letter queue",
	}
	cmd.AddCommand(newDLQListCmd(factory), newDLQSweepCmd(factory))
	return cmd
}

func newDLQListCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		limit  int
		failed bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending (or permanently failed) dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				if c.DLQ == nil {
					return service.ErrNoDeadLetterQueue
				}
				var (
					msgs []schemas.DeadLetterMessage
					err  error
				)
				if failed {
					msgs, err = c.DLQ.Failed(ctx, limit)
				} else {
					msgs, err = c.DLQ.Peek(ctx, limit)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), msgs)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPRIORITY\tOPERATION\tERROR\tATTEMPTS\tENQUEUED")
				for _, m := range msgs {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n",
						m.ID, m.Priority, m.Operation, m.ErrorType, m.Attempts, m.EnqueuedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of messages to list")
	cmd.Flags().BoolVar(&failed, "failed", false, "list permanently failed messages instead of pending ones")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as JSON")
	return cmd
}

func newDLQSweepCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reprocess one batch of pending dead letters now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				report, err := c.SweepDeadLetters(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dequeued=%d completed=%d requeued=%d archived=%d reclaimed=%d\n",
					report.Dequeued, report.Completed, report.Requeued, report.Archived, report.Reclaimed)
				return nil
			})
		},
	}
}
