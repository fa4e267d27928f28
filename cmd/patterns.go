package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/patterns"
	"github.com/xkilldash9x/querycore/internal/service"
)

func newPatternsCmd(factory service.ComponentFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Manage learned routing patterns",
	}
	cmd.AddCommand(newPatternsReloadCmd(factory))
	return cmd
}

func newPatternsReloadCmd(factory service.ComponentFactory) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask every running instance to reload learned patterns",
		Long: `reload publishes a reload signal on the reload channel. Every running
instance reloads the whole table, or only the pattern named by --id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				sig := patterns.ReloadAll()
				if cmd.Flags().Changed("id") {
					sig = patterns.ReloadOne(id)
				}
				if err := c.Notifier.Notify(ctx, sig); err != nil {
					return fmt.Errorf("failed to publish reload signal: %w", err)
				}
				// The local table shows what the instances will load.
				if err := c.Patterns.HandleSignal(ctx, sig); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reload published (%s); %d patterns in table\n",
					describeSignal(sig), c.Patterns.Table().Len())
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "reload a single pattern by id")
	return cmd
}

func describeSignal(sig schemas.ReloadSignal) string {
	if sig.PatternID == nil {
		return "all patterns"
	}
	return fmt.Sprintf("pattern %d", *sig.PatternID)
}
