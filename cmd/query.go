package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/service"
)

type callerFlags struct {
	token  string
	userID string
	level  string
}

func (f *callerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.token, "token", "", "signed identity token of the caller")
	cmd.Flags().StringVar(&f.userID, "user", "", "caller id when no token is given")
	cmd.Flags().StringVar(&f.level, "level", "", "caller level when no token is given (business, analyst, technical)")
}

// resolve turns the flags into a request context. A token wins over the
// plain user and level flags.
func (f *callerFlags) resolve(c *service.Components) (schemas.RequestContext, error) {
	return resolveCaller(c, f.token, f.userID, f.level)
}

func resolveCaller(c *service.Components, token, userID, level string) (schemas.RequestContext, error) {
	if token != "" {
		return c.Identity.Resolve(token)
	}
	reqCtx := schemas.RequestContext{UserID: userID, UserLevel: c.Identity.DefaultLevel()}
	if level != "" {
		reqCtx.UserLevel = schemas.UserLevel(strings.ToLower(level))
		if !reqCtx.UserLevel.Valid() {
			return schemas.RequestContext{}, fmt.Errorf("unknown user level %q", level)
		}
	}
	return reqCtx, nil
}

func newQueryCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		caller    callerFlags
		sessionID string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "query [question...]",
		Short: "Answer one question and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				reqCtx, err := caller.resolve(c)
				if err != nil {
					return err
				}
				res := c.Orchestrator.Process(ctx, strings.Join(args, " "), sessionID, reqCtx)
				return printResult(cmd.OutOrStdout(), res, asJSON)
			})
		},
	}
	caller.register(cmd)
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (a fresh session is used when empty)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result with metadata as JSON")
	return cmd
}

func printResult(w io.Writer, res *schemas.ProcessResult, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintln(w, res.Response)
		return err
	}
	return printJSON(w, res)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
