package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/observability"
	"github.com/xkilldash9x/querycore/internal/service"
)

// maxLineBytes bounds one request line on stdin.
const maxLineBytes = 1 << 20

// serveRequest is one line of the stdin protocol. A line with Cancel set
// aborts the runs of that session instead of asking a question.
type serveRequest struct {
	ID        string `json:"id,omitempty"`
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	Token     string `json:"token,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Level     string `json:"level,omitempty"`
	Cancel    string `json:"cancel,omitempty"`
}

type serveResponse struct {
	ID        string                 `json:"id,omitempty"`
	Result    *schemas.ProcessResult `json:"result,omitempty"`
	Cancelled *bool                  `json:"cancelled,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		fromStdin   bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background workers and, optionally, answer JSON-line requests from stdin",
		Long: `serve starts the long-running workers: the pattern reload subscriber, the
dead letter sweep, the periodic pattern refresh and the metrics endpoint.

With --stdin, each input line is a JSON request such as
  {"id": "1", "query": "How did sales do?", "session_id": "s-1"}
or {"cancel": "s-1"}, and one JSON response line is written per request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency <= 0 {
				return fmt.Errorf("--concurrency must be positive")
			}
			return withComponents(cmd, factory, func(ctx context.Context, c *service.Components) error {
				logger := observability.GetLogger()
				c.StartBackground(ctx)
				logger.Info("querycore serving.", zap.String("version", Version), zap.Bool("stdin", fromStdin))

				if fromStdin {
					if err := serveLines(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout(), concurrency); err != nil {
						return err
					}
					logger.Info("Input closed, shutting down.")
					return nil
				}
				<-ctx.Done()
				logger.Info("Shutdown signal received.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "answer JSON-line requests from stdin until EOF")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "maximum number of requests processed at once")
	return cmd
}

// serveLines answers requests read from r until EOF or ctx is done. Requests
// run concurrently up to limit; responses are written as they complete.
// Cancel lines are handled as soon as they are read, also for requests that
// still wait for a free slot.
func serveLines(ctx context.Context, c *service.Components, r io.Reader, w io.Writer, limit int) error {
	var mu sync.Mutex
	write := func(resp serveResponse) {
		line, err := json.Marshal(resp)
		if err != nil {
			line = []byte(fmt.Sprintf(`{"id":%q,"error":"unencodable response"}`, resp.ID))
		}
		mu.Lock()
		defer mu.Unlock()
		_, _ = w.Write(append(line, '\n'))
	}

	g, gctx := errgroup.WithContext(ctx)
	slots := semaphore.NewWeighted(int64(limit))
	active := newSessionRuns()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for scanner.Scan() {
		if gctx.Err() != nil {
			break
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var req serveRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			write(serveResponse{Error: "invalid request: " + err.Error()})
			continue
		}
		if req.Cancel != "" {
			queued := active.cancel(req.Cancel)
			running := c.Orchestrator.Cancel(req.Cancel)
			cancelled := queued || running
			write(serveResponse{ID: req.ID, Cancelled: &cancelled})
			continue
		}
		reqCtx, err := resolveCaller(c, req.Token, req.UserID, req.Level)
		if err != nil {
			write(serveResponse{ID: req.ID, Error: err.Error()})
			continue
		}

		runCtx, cancelRun := context.WithCancel(gctx)
		remove := active.add(req.SessionID, cancelRun)
		g.Go(func() error {
			defer cancelRun()
			defer remove()
			// A cancelled wait still runs the request so its session records the
			// cancellation and the caller gets an answer.
			if err := slots.Acquire(runCtx, 1); err == nil {
				defer slots.Release(1)
			}
			res := c.Orchestrator.Process(runCtx, req.Query, req.SessionID, reqCtx)
			write(serveResponse{ID: req.ID, Result: res})
			return nil
		})
	}
	scanErr := scanner.Err()
	if err := g.Wait(); err != nil {
		return err
	}
	if scanErr != nil {
		return fmt.Errorf("failed to read requests: %w", scanErr)
	}
	return nil
}

// sessionRuns holds the cancel functions of accepted requests by session,
// from the moment a line is read until its response is written.
type sessionRuns struct {
	mu   sync.Mutex
	next uint64
	runs map[string]map[uint64]context.CancelFunc
}

func newSessionRuns() *sessionRuns {
	return &sessionRuns{runs: make(map[string]map[uint64]context.CancelFunc)}
}

// add registers cancel under session and returns its deregistration. Requests
// without a session id cannot be cancelled by session and are not tracked.
func (s *sessionRuns) add(session string, cancel context.CancelFunc) func() {
	if session == "" {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	if s.runs[session] == nil {
		s.runs[session] = make(map[uint64]context.CancelFunc)
	}
	s.runs[session][id] = cancel
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.runs[session], id)
		if len(s.runs[session]) == 0 {
			delete(s.runs, session)
		}
	}
}

func (s *sessionRuns) cancel(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.runs[session] {
		cancel()
	}
	return len(s.runs[session]) > 0
}
