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

func newSessionCmd(factory service.ComponentFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and repair the recorded state history of sessions",
	}
	cmd.AddCommand(newSessionRecoverCmd(factory), newSessionRollbackCmd(factory))
	return cmd
}

func newSessionRecoverCmd(factory service.ComponentFactory) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "recover <session-id>",
		Short: "Load and verify every state version of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				states, err := c.States.Recover(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to recover session %q: %w", args[0], err)
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), states)
				}
				return printChain(cmd, states)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full state versions as JSON")
	return cmd
}

func newSessionRollbackCmd(factory service.ComponentFactory) *cobra.Command {
	var toVersion int
	cmd := &cobra.Command{
		Use:   "rollback <state-id>",
		Short: "Append a version restoring the data of an earlier version",
		Long: `rollback appends a ROLLED_BACK version to the chain of <state-id>, carrying
the data and context of the version named by --to. <state-id> must be the
newest version of its chain. Completed, failed and already rolled back runs
can be rolled back; earlier versions are never rewritten.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				st, err := c.States.Rollback(ctx, args[0], toVersion, "operator")
				if err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back to version %d; new state %s (version %d)\n", toVersion, st.StateID, st.Version)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&toVersion, "to", 1, "version to restore")
	return cmd
}

func printChain(cmd *cobra.Command, states []schemas.OrchestrationState) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATUS\tEVENT\tSTATE_ID\tCREATED")
	for _, st := range states {
		event := "-"
		if last, ok := st.LastEvent(); ok {
			event = last.EventType
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", st.Version, st.Status, event, st.StateID, st.CreatedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d versions verified\n", len(states))
	return nil
}
