package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/querycore/internal/service"
)

func newCacheCmd(factory service.ComponentFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the semantic response cache",
	}
	cmd.AddCommand(newCacheInvalidateCmd(factory))
	return cmd
}

func newCacheInvalidateCmd(factory service.ComponentFactory) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "invalidate <scope>",
		Short: "Drop cached entries of one scope, or one query within it",
		Long: `invalidate removes cached responses. Classifications live in the
"classify" scope; synthesized answers live in "synthesize:<category>:<user_id>",
with "anonymous" standing in for a missing user id. Without --query every
entry of the scope is removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := args[0]
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				if c.Cache == nil {
					return service.ErrNoCache
				}
				if query != "" {
					if err := c.Cache.Invalidate(ctx, query, scope); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "invalidated query in scope %q\n", scope)
					return nil
				}
				n, err := c.Cache.InvalidateScope(ctx, scope)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d entries in scope %q\n", n, scope)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "invalidate only this query")
	return cmd
}
