package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/querycore/internal/service"
)

func newHealthCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print provider, queue and store health as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				return printJSON(cmd.OutOrStdout(), c.Health(ctx))
			})
		},
	}
}
