// internal/tools/execute.go
package tools

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/querycore/api/schemas"
)

// Execute runs every tool concurrently, each under its own timeout, and
// returns one annotated result per tool in input order. A failing tool never
// cancels its siblings; cancelling ctx cancels all of them.
func Execute(ctx context.Context, set []schemas.Tool, query string, reqCtx schemas.RequestContext, timeout time.Duration, limit int, logger *zap.Logger) []schemas.ToolResult {
	results := make([]schemas.ToolResult, len(set))
	if len(set) == 0 {
		return results
	}

	// Workers never return an error, so the group context is only ever done
	// when ctx is.
	g, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, tool := range set {
		g.Go(func() error {
			results[i] = invoke(groupCtx, tool, query, reqCtx, timeout, logger)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type outcome struct {
	out any
	err error
}

// invoke bounds one call by timeout even when the tool ignores its context;
// a late result is discarded.
func invoke(ctx context.Context, tool schemas.Tool, query string, reqCtx schemas.RequestContext, timeout time.Duration, logger *zap.Logger) schemas.ToolResult {
	name := tool.Name()
	res := schemas.ToolResult{Name: name}
	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res
	}
	start := time.Now()
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Tool panicked.", zap.String("tool", name), zap.Any("panic", r))
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := tool.Invoke(callCtx, query, reqCtx)
		done <- outcome{out: out, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		o.err = callCtx.Err()
	}
	res.Duration = time.Since(start)
	if o.err != nil {
		logger.Warn("Tool failed.", zap.String("tool", name), zap.Error(o.err))
		res.Error = o.err.Error()
		return res
	}
	res.Output = o.out
	return res
}
