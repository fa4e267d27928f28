package resilience

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/observability"
)

const (
	// ageSpan keeps the age component of a score below one priority step.
	ageSpan     = 1e13
	maxPriority = 99

	defaultVisibility = 15 * time.Minute
)

// popScript moves up to ARGV[1] ids from the pending set into the processing
// set, scored with the dequeue time ARGV[2], and returns them in pop order.
var popScript = redis.NewScript(`
local popped = redis.call('ZPOPMAX', KEYS[1], ARGV[1])
local ids = {}
for i = 1, #popped, 2 do
	redis.call('ZADD', KEYS[2], ARGV[2], popped[i])
	ids[#ids + 1] = popped[i]
end
return ids
`)

// releaseScript returns id/score pairs from the processing set to the pending
// set. Ids no longer in processing are left alone.
var releaseScript = redis.NewScript(`
local moved = 0
for i = 1, #ARGV, 2 do
	if redis.call('ZREM', KEYS[1], ARGV[i]) == 1 then
		redis.call('ZADD', KEYS[2], ARGV[i + 1], ARGV[i])
		moved = moved + 1
	end
end
return moved
`)

// DeadLetterQueue is a durable priority queue in Redis. Pending message ids
// live in a sorted set scored so that ZPOPMAX yields priority-desc, age-asc;
// message bodies live in a hash; dequeued ids move to a processing set until
// completed or requeued; permanently failed bodies go to an archive list.
// Ids left in processing past the visibility timeout are reclaimed by the
// next sweep.
type DeadLetterQueue struct {
	rdb         redis.UniversalClient
	pendingKey  string
	messagesKey string
	processKey  string
	failedKey   string
	maxAttempts int
	visibility  time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewDeadLetterQueue builds a queue under cfg.KeyPrefix.
func NewDeadLetterQueue(rdb redis.UniversalClient, cfg config.DLQConfig, logger *zap.Logger) *DeadLetterQueue {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "querycore:dlq"
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	return &DeadLetterQueue{
		rdb:         rdb,
		pendingKey:  prefix + ":pending",
		messagesKey: prefix + ":messages",
		processKey:  prefix + ":processing",
		failedKey:   prefix + ":failed",
		maxAttempts: maxAttempts,
		visibility:  visibility,
		now:         time.Now,
		logger:      logger.Named("dlq"),
	}
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

func score(msg schemas.DeadLetterMessage) float64 {
	age := ageSpan - float64(msg.EnqueuedAt.UnixMilli())
	if age < 0 {
		age = 0
	}
	return float64(clampPriority(msg.Priority))*ageSpan + age
}

// Enqueue stores msg and makes it dequeue-able. Missing ids and timestamps are filled in.
func (q *DeadLetterQueue) Enqueue(ctx context.Context, msg schemas.DeadLetterMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now().UTC()
	}
	msg.Priority = clampPriority(msg.Priority)

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode dead letter: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.messagesKey, msg.ID, body)
		pipe.ZAdd(ctx, q.pendingKey, redis.Z{Score: score(msg), Member: msg.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue dead letter: %w", err)
	}
	observability.DLQOperations.WithLabelValues("enqueue").Inc()
	q.logger.Info("Dead letter enqueued.",
		zap.String("id", msg.ID),
		zap.String("operation", msg.Operation),
		zap.String("error_type", string(msg.ErrorType)),
		zap.Int("priority", msg.Priority))
	return msg.ID, nil
}

// Dequeue removes up to n messages, highest priority first and oldest first
// within a priority, and marks them as processing in the same step.
func (q *DeadLetterQueue) Dequeue(ctx context.Context, n int) ([]schemas.DeadLetterMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	nowMs := q.now().UnixMilli()
	ids, err := popScript.Run(ctx, q.rdb, []string{q.pendingKey, q.processKey}, n, nowMs).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to pop dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := q.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if err := q.dropOrphans(ctx, ids, msgs); err != nil {
		return nil, err
	}
	observability.DLQOperations.WithLabelValues("dequeue").Add(float64(len(msgs)))
	return msgs, nil
}

// dropOrphans removes processing entries whose body could not be loaded.
func (q *DeadLetterQueue) dropOrphans(ctx context.Context, ids []string, loaded []schemas.DeadLetterMessage) error {
	if len(loaded) == len(ids) {
		return nil
	}
	have := make(map[string]struct{}, len(loaded))
	for _, m := range loaded {
		have[m.ID] = struct{}{}
	}
	var orphans []string
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.messagesKey, orphans...)
		pipe.ZRem(ctx, q.processKey, toMembers(orphans)...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to drop unreadable dead letters: %w", err)
	}
	return nil
}

func toMembers(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// release hands processing messages back to the pending set at their original
// priority and age, attempts unchanged. It returns how many moved.
func (q *DeadLetterQueue) release(ctx context.Context, msgs []schemas.DeadLetterMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, 2*len(msgs))
	for _, m := range msgs {
		args = append(args, m.ID, score(m))
	}
	moved, err := releaseScript.Run(ctx, q.rdb, []string{q.processKey, q.pendingKey}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to release dead letters: %w", err)
	}
	observability.DLQOperations.WithLabelValues("release").Add(float64(moved))
	return moved, nil
}

// Reclaim returns messages that have been processing for longer than the
// visibility timeout to the pending set. Their attempt count is unchanged.
func (q *DeadLetterQueue) Reclaim(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.visibility).UnixMilli()
	stale, err := q.rdb.ZRangeByScore(ctx, q.processKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list stale dead letters: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	msgs, err := q.load(ctx, stale)
	if err != nil {
		return 0, err
	}
	if err := q.dropOrphans(ctx, stale, msgs); err != nil {
		return 0, err
	}
	n, err := q.release(ctx, msgs)
	if n > 0 {
		q.logger.Warn("Reclaimed dead letters stuck in processing.", zap.Int("count", n), zap.Duration("visibility_timeout", q.visibility))
	}
	return n, err
}

// load fetches message bodies in the order of ids, skipping missing ones.
func (q *DeadLetterQueue) load(ctx context.Context, ids []string) ([]schemas.DeadLetterMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := q.rdb.HMGet(ctx, q.messagesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}
	out := make([]schemas.DeadLetterMessage, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			q.logger.Warn("Dead letter body missing.", zap.String("id", ids[i]))
			continue
		}
		var m schemas.DeadLetterMessage
		if err := json.UnmarshalFromString(s, &m); err != nil {
			q.logger.Warn("Dead letter body corrupt.", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (q *DeadLetterQueue) get(ctx context.Context, id string) (schemas.DeadLetterMessage, error) {
	s, err := q.rdb.HGet(ctx, q.messagesKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return schemas.DeadLetterMessage{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return schemas.DeadLetterMessage{}, fmt.Errorf("failed to load dead letter %s: %w", id, err)
	}
	var m schemas.DeadLetterMessage
	if err := json.UnmarshalFromString(s, &m); err != nil {
		return schemas.DeadLetterMessage{}, fmt.Errorf("failed to decode dead letter %s: %w", id, err)
	}
	return m, nil
}

// MarkCompleted forgets a message for good.
func (q *DeadLetterQueue) MarkCompleted(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, q.messagesKey, id)
		pipe.ZRem(ctx, q.processKey, id)
		pipe.ZRem(ctx, q.pendingKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete dead letter %s: %w", id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	observability.DLQOperations.WithLabelValues("complete").Inc()
	return nil
}

// RequeueFailed increments attempts by one and makes the message dequeue-able
// again at its original priority and age.
func (q *DeadLetterQueue) RequeueFailed(ctx context.Context, id string) (schemas.DeadLetterMessage, error) {
	m, err := q.get(ctx, id)
	if err != nil {
		return schemas.DeadLetterMessage{}, err
	}
	m.Attempts++
	body, err := json.Marshal(m)
	if err != nil {
		return schemas.DeadLetterMessage{}, fmt.Errorf("failed to encode dead letter: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.messagesKey, m.ID, body)
		pipe.ZRem(ctx, q.processKey, m.ID)
		pipe.ZAdd(ctx, q.pendingKey, redis.Z{Score: score(m), Member: m.ID})
		return nil
	})
	if err != nil {
		return schemas.DeadLetterMessage{}, fmt.Errorf("failed to requeue dead letter %s: %w", id, err)
	}
	observability.DLQOperations.WithLabelValues("requeue").Inc()
	return m, nil
}

// Archive moves a message to the permanently-failed list.
func (q *DeadLetterQueue) Archive(ctx context.Context, id, reason string) error {
	m, err := q.get(ctx, id)
	if err != nil {
		return err
	}
	if reason != "" {
		m.ErrorMessage = reason
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.failedKey, body)
		pipe.HDel(ctx, q.messagesKey, id)
		pipe.ZRem(ctx, q.processKey, id)
		pipe.ZRem(ctx, q.pendingKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive dead letter %s: %w", id, err)
	}
	observability.DLQOperations.WithLabelValues("archive").Inc()
	q.logger.Warn("Dead letter archived as permanently failed.", zap.String("id", id), zap.Int("attempts", m.Attempts))
	return nil
}

// Depth returns the number of pending messages.
func (q *DeadLetterQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.pendingKey).Result()
}

// Peek lists up to n pending messages in dequeue order without removing them.
func (q *DeadLetterQueue) Peek(ctx context.Context, n int) ([]schemas.DeadLetterMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := q.rdb.ZRevRange(ctx, q.pendingKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return q.load(ctx, ids)
}

// Failed lists up to n archived messages, newest first.
func (q *DeadLetterQueue) Failed(ctx context.Context, n int) ([]schemas.DeadLetterMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := q.rdb.LRange(ctx, q.failedKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list archived dead letters: %w", err)
	}
	out := make([]schemas.DeadLetterMessage, 0, len(raw))
	for _, s := range raw {
		var m schemas.DeadLetterMessage
		if err := json.UnmarshalFromString(s, &m); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// -- Sweep --

// ReprocessFunc replays one dead letter. A nil error completes it.
type ReprocessFunc func(ctx context.Context, msg schemas.DeadLetterMessage) error

// SweepReport summarizes one sweep. Released counts messages handed back
// unprocessed when the sweep stopped early; Reclaimed counts messages a
// previous sweep left in processing.
type SweepReport struct {
	Dequeued  int `json:"dequeued"`
	Completed int `json:"completed"`
	Requeued  int `json:"requeued"`
	Archived  int `json:"archived"`
	Released  int `json:"released"`
	Reclaimed int `json:"reclaimed"`
}

// Sweep reclaims stale processing entries, then reprocesses one batch.
// Failures are requeued until the attempt cap, then archived. When ctx ends
// mid-batch the unfinished messages go back to pending without an attempt
// being counted, and the ctx error is returned.
func (q *DeadLetterQueue) Sweep(ctx context.Context, batch int, fn ReprocessFunc) (SweepReport, error) {
	var report SweepReport
	reclaimed, err := q.Reclaim(ctx)
	report.Reclaimed = reclaimed
	if err != nil {
		return report, err
	}
	msgs, err := q.Dequeue(ctx, batch)
	if err != nil {
		return report, err
	}
	report.Dequeued = len(msgs)

	// Queue bookkeeping must finish even after ctx is done.
	store := context.WithoutCancel(ctx)
	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			return q.abortSweep(store, report, msgs[i:], err)
		}
		perr := fn(ctx, m)
		var err error
		switch {
		case perr == nil:
			if err = q.MarkCompleted(store, m.ID); err == nil {
				report.Completed++
			}
		case ctx.Err() != nil:
			q.logger.Debug("Dead letter reprocess interrupted.", zap.String("id", m.ID), zap.Error(perr))
			return q.abortSweep(store, report, msgs[i:], ctx.Err())
		case m.Attempts+1 >= q.maxAttempts:
			if err = q.Archive(store, m.ID, perr.Error()); err == nil {
				report.Archived++
			}
		default:
			q.logger.Debug("Dead letter reprocess failed.", zap.String("id", m.ID), zap.Error(perr))
			if _, err = q.RequeueFailed(store, m.ID); err == nil {
				report.Requeued++
			}
		}
		if err != nil {
			return q.abortSweep(store, report, msgs[i+1:], err)
		}
	}
	return report, nil
}

func (q *DeadLetterQueue) abortSweep(ctx context.Context, report SweepReport, rest []schemas.DeadLetterMessage, cause error) (SweepReport, error) {
	n, err := q.release(ctx, rest)
	report.Released += n
	if err != nil {
		return report, errors.Join(cause, err)
	}
	return report, cause
}
