package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
)

const testChannel = "test:patterns:reload"

func subscriberConfig(attempts int) config.PatternsConfig {
	return config.PatternsConfig{
		ReloadChannel:        testChannel,
		MaxReconnectAttempts: attempts,
		ReconnectMinWait:     2 * time.Millisecond,
		ReconnectMaxWait:     10 * time.Millisecond,
	}
}

type harness struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	received chan schemas.ReloadSignal
	finished chan struct{}
	err      error
	cancel   context.CancelFunc
}

func startSubscriber(t *testing.T, attempts int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	h := &harness{
		mr:       mr,
		rdb:      rdb,
		received: make(chan schemas.ReloadSignal, 8),
		finished: make(chan struct{}),
	}
	sub := NewSubscriber(rdb, subscriberConfig(attempts), func(_ context.Context, sig schemas.ReloadSignal) error {
		h.received <- sig
		return nil
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = sub.Run(ctx)
		close(h.finished)
	}()
	t.Cleanup(func() {
		cancel()
		h.wait(t)
	})
	h.waitSubscribed(t)
	return h
}

// wait blocks until Run returned.
func (h *harness) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func (h *harness) waitSubscribed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.mr.PubSubNumSub(testChannel)[testChannel] == 1
	}, 2*time.Second, 5*time.Millisecond, "subscriber never joined the channel")
}

func (h *harness) next(t *testing.T) schemas.ReloadSignal {
	t.Helper()
	select {
	case sig := <-h.received:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("no reload signal received")
		return schemas.ReloadSignal{}
	}
}

func TestSubscriber_DeliversSignals(t *testing.T) {
	h := startSubscriber(t, 3)
	ctx := context.Background()
	pub := NewRedisPublisher(h.rdb, testChannel)

	require.NoError(t, pub.Notify(ctx, ReloadOne(42)))
	h.mr.Publish(testChannel, "{not json")
	h.mr.Publish(testChannel, `{"action":"purge","pattern_id":null}`)
	require.NoError(t, pub.Notify(ctx, ReloadAll()))

	first := h.next(t)
	require.NotNil(t, first.PatternID)
	assert.Equal(t, int64(42), *first.PatternID)

	second := h.next(t)
	assert.Equal(t, schemas.ReloadAction, second.Action)
	assert.Nil(t, second.PatternID, "malformed and unknown signals are skipped")

	h.cancel()
	h.wait(t)
	assert.NoError(t, h.err, "cancellation is a clean stop")
	require.NoError(t, h.rdb.Close())
}

func TestSubscriber_ReconnectsAfterTransportLoss(t *testing.T) {
	h := startSubscriber(t, 50)

	h.mr.Close()
	require.NoError(t, h.mr.Restart())
	h.waitSubscribed(t)

	h.mr.Publish(testChannel, `{"action":"reload","pattern_id":7}`)
	sig := h.next(t)
	require.NotNil(t, sig.PatternID)
	assert.Equal(t, int64(7), *sig.PatternID)
}

func TestSubscriber_StopsWhenReconnectBudgetIsSpent(t *testing.T) {
	h := startSubscriber(t, 2)

	h.mr.Close()
	h.wait(t)
	assert.ErrorIs(t, h.err, ErrReconnectExhausted)
}

func TestSubscriber_NoLeaksAfterStop(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ignore := goleak.IgnoreCurrent()

	sub := NewSubscriber(rdb, subscriberConfig(1), func(context.Context, schemas.ReloadSignal) error { return nil }, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(testChannel)[testChannel] == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, rdb.Close())
	goleak.VerifyNone(t, ignore, goleak.IgnoreAnyFunction("github.com/alicebob/miniredis/v2/server.(*Server).servePeer"))
}

func TestDecodeSignal(t *testing.T) {
	sig, err := DecodeSignal([]byte(`{"action":"reload","pattern_id":null}`))
	require.NoError(t, err)
	assert.Nil(t, sig.PatternID)

	_, err = DecodeSignal([]byte(`{"action":"drop"}`))
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = DecodeSignal([]byte(`[]`))
	assert.Error(t, err)
}
