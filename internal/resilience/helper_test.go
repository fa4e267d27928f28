package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/llmclient"
	"github.com/xkilldash9x/querycore/internal/mocks"
)

// fakeClock is a manually advanced clock shared by the breaker and handlers under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	r.c <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.c }

func (r *recordingTimer) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

func providerErr(provider string, typ schemas.ErrorType) error {
	return &llmclient.ProviderError{Type: typ, Provider: provider, StatusCode: 500, Err: errors.New("upstream failure")}
}

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		CoolDown:         30 * time.Second,
		CallTimeout:      time.Second,
	}
}

// newTestBreaker registers the clients at ascending priority in argument order.
func newTestBreaker(t *testing.T, cfg config.BreakerConfig, clock *fakeClock, clients ...*mocks.MockLLMClient) *CircuitBreaker {
	t.Helper()
	regs := make([]llmclient.Registration, len(clients))
	for i, c := range clients {
		regs[i] = llmclient.Registration{Client: c, Priority: i + 1}
	}
	cb, err := NewCircuitBreaker(regs, cfg, testLogger(t), WithClock(clock.Now))
	require.NoError(t, err)
	return cb
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testDLQConfig() config.DLQConfig {
	return config.DLQConfig{
		KeyPrefix:   "test:dlq",
		MaxAttempts: 3,
		SweepBatch:  10,
	}
}
