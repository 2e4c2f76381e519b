// Package queue is a small Redis-backed job queue with keyed lookup,
// leased reservations, retry with exponential backoff and retention of
// finished jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockLost = errors.New("job lock lost")

// Options tunes retry and retention. Zero values take the defaults below.
type Options struct {
	MaxAttempts       int
	Backoff           time.Duration
	MaxBackoff        time.Duration
	LockDuration      time.Duration
	CompletedMaxAge   time.Duration
	CompletedMaxCount int64
}

const (
	DefaultMaxAttempts       = 3
	DefaultBackoff           = 5 * time.Second
	DefaultMaxBackoff        = 5 * time.Minute
	DefaultLockDuration      = 30 * time.Second
	DefaultCompletedMaxAge   = time.Hour
	DefaultCompletedMaxCount = 100
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.CompletedMaxAge <= 0 {
		o.CompletedMaxAge = DefaultCompletedMaxAge
	}
	if o.CompletedMaxCount <= 0 {
		o.CompletedMaxCount = DefaultCompletedMaxCount
	}
	return o
}

// KEYS[1] wait, KEYS[2] active
// ARGV[1] key prefix, ARGV[2] lock token, ARGV[3] lock ms, ARGV[4] now ms
var reserveScript = redis.NewScript(`
local id = redis.call("RPOPLPUSH", KEYS[1], KEYS[2])
if not id then
  return false
end
redis.call("SET", ARGV[1] .. "lock:" .. id, ARGV[2], "PX", ARGV[3])
redis.call("HSET", ARGV[1] .. "job:" .. id, "state", "active", "processedOn", ARGV[4])
return id
`)

// KEYS[1] delayed, KEYS[2] wait
// ARGV[1] now ms, ARGV[2] key prefix
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LPUSH", KEYS[2], id)
  redis.call("HSET", ARGV[2] .. "job:" .. id, "state", "waiting")
end
return #ids
`)

// KEYS[1] lock, ARGV[1] token, ARGV[2] lock ms
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Queue struct {
	client redis.UniversalClient
	name   string
	prefix string
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func New(client redis.UniversalClient, name string, opts Options, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		name:   name,
		prefix: "queue:" + name + ":",
		opts:   opts.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Options() Options { return q.opts }

func (q *Queue) jobKey(id string) string  { return q.prefix + "job:" + id }
func (q *Queue) lockKey(id string) string { return q.prefix + "lock:" + id }
func (q *Queue) refKey(key string) string { return q.prefix + "key:" + key }
func (q *Queue) list(name string) string  { return q.prefix + name }

func (q *Queue) nowMillis() int64 { return q.now().UnixMilli() }

// Add enqueues payload under key. The key is remembered so the latest job for
// it can be looked up with FindByKey.
func (q *Queue) Add(ctx context.Context, key string, payload any) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	n, err := q.client.Incr(ctx, q.list("id")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate job id: %w", err)
	}
	id := strconv.FormatInt(n, 10)
	ts := q.nowMillis()

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id),
			"data", string(data),
			"key", key,
			"progress", 0,
			"attemptsMade", 0,
			"state", string(StateWaiting),
			"timestamp", ts,
		)
		pipe.LPush(ctx, q.list("wait"), id)
		pipe.Set(ctx, q.refKey(key), id, 0)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Debug("Job added", "queue", q.name, "job_id", id, "key", key)
	return &Job{
		ID:        id,
		Key:       key,
		Payload:   data,
		State:     StateWaiting,
		Timestamp: ts,
		queue:     q,
	}, nil
}

// Reserve promotes due delayed jobs and leases the oldest waiting job.
// It returns nil when nothing is waiting.
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	now := q.nowMillis()
	if err := promoteScript.Run(ctx, q.client,
		[]string{q.list("delayed"), q.list("wait")}, now, q.prefix).Err(); err != nil {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}

	token := uuid.NewString()
	id, err := reserveScript.Run(ctx, q.client,
		[]string{q.list("wait"), q.list("active")},
		q.prefix, token, q.opts.LockDuration.Milliseconds(), now).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// hash pruned underneath us
		q.client.LRem(ctx, q.list("active"), 1, id)
		return nil, nil
	}
	job.token = token
	return job, nil
}

func (q *Queue) updateProgress(ctx context.Context, id string, progress int) error {
	if err := q.client.HSet(ctx, q.jobKey(id), "progress", progress).Err(); err != nil {
		return fmt.Errorf("failed to update progress for job %s: %w", id, err)
	}
	return nil
}

// ExtendLock renews the lease on a reserved job
func (q *Queue) ExtendLock(ctx context.Context, job *Job) error {
	n, err := extendScript.Run(ctx, q.client, []string{q.lockKey(job.ID)},
		job.token, q.opts.LockDuration.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock for job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Complete marks the job done, stores its result and prunes old completed jobs
func (q *Queue) Complete(ctx context.Context, job *Job, result any) error {
	rv, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}
	now := q.nowMillis()

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.list("active"), 1, job.ID)
		pipe.Del(ctx, q.lockKey(job.ID))
		pipe.HSet(ctx, q.jobKey(job.ID),
			"state", string(StateCompleted),
			"returnvalue", string(rv),
			"finishedOn", now,
		)
		pipe.ZAdd(ctx, q.list("completed"), redis.Z{Score: float64(now), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	job.State = StateCompleted
	job.ReturnValue = rv
	job.FinishedOn = now

	if err := q.pruneCompleted(ctx, now); err != nil {
		q.logger.Warn("Failed to prune completed jobs", "queue", q.name, "error", err)
	}
	return nil
}

func (q *Queue) pruneCompleted(ctx context.Context, now int64) error {
	completed := q.list("completed")
	cutoff := now - q.opts.CompletedMaxAge.Milliseconds()

	expired, err := q.client.ZRangeByScore(ctx, completed, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return err
	}

	count, err := q.client.ZCard(ctx, completed).Result()
	if err != nil {
		return err
	}
	if over := count - int64(len(expired)) - q.opts.CompletedMaxCount; over > 0 {
		oldest, err := q.client.ZRange(ctx, completed, int64(len(expired)), int64(len(expired))+over-1).Result()
		if err != nil {
			return err
		}
		expired = append(expired, oldest...)
	}
	if len(expired) == 0 {
		return nil
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]interface{}, len(expired))
		for i, id := range expired {
			members[i] = id
			pipe.Del(ctx, q.jobKey(id))
		}
		pipe.ZRem(ctx, completed, members...)
		return nil
	})
	return err
}

// Fail records an attempt. Retryable failures under the attempt limit are
// delayed with exponential backoff; everything else lands in the failed set,
// which is never pruned.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (retrying bool, err error) {
	attempts, err := q.client.HIncrBy(ctx, q.jobKey(job.ID), "attemptsMade", 1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record attempt for job %s: %w", job.ID, err)
	}
	job.AttemptsMade = int(attempts)
	job.FailedReason = cause.Error()

	now := q.nowMillis()
	retrying = !IsPermanent(cause) && int(attempts) < q.opts.MaxAttempts

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.list("active"), 1, job.ID)
		pipe.Del(ctx, q.lockKey(job.ID))
		if retrying {
			at := now + q.backoff(int(attempts)).Milliseconds()
			pipe.HSet(ctx, q.jobKey(job.ID), "state", string(StateDelayed), "failedReason", job.FailedReason)
			pipe.ZAdd(ctx, q.list("delayed"), redis.Z{Score: float64(at), Member: job.ID})
			return nil
		}
		pipe.HSet(ctx, q.jobKey(job.ID),
			"state", string(StateFailed),
			"failedReason", job.FailedReason,
			"finishedOn", now,
		)
		pipe.ZAdd(ctx, q.list("failed"), redis.Z{Score: float64(now), Member: job.ID})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to move job %s after failure: %w", job.ID, err)
	}
	if retrying {
		job.State = StateDelayed
	} else {
		job.State = StateFailed
		job.FinishedOn = now
	}
	return retrying, nil
}

// Postpone puts an active job back as delayed without spending an attempt
func (q *Queue) Postpone(ctx context.Context, job *Job, delay time.Duration) error {
	at := q.nowMillis() + delay.Milliseconds()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.list("active"), 1, job.ID)
		pipe.Del(ctx, q.lockKey(job.ID))
		pipe.HSet(ctx, q.jobKey(job.ID), "state", string(StateDelayed))
		pipe.ZAdd(ctx, q.list("delayed"), redis.Z{Score: float64(at), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to postpone job %s: %w", job.ID, err)
	}
	job.State = StateDelayed
	return nil
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return d
}

// RequeueStalled moves active jobs whose lease has expired back to waiting.
// A worker that died mid-job leaves exactly this behind.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.list("active"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		held, err := q.client.Exists(ctx, q.lockKey(id)).Result()
		if err != nil {
			return requeued, err
		}
		if held > 0 {
			continue
		}
		removed, err := q.client.LRem(ctx, q.list("active"), 1, id).Result()
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
			pipe.RPush(ctx, q.list("wait"), id)
			return nil
		})
		if err != nil {
			return requeued, err
		}
		q.logger.Warn("Requeued stalled job", "queue", q.name, "job_id", id)
		requeued++
	}
	return requeued, nil
}

// Get loads a job by id. It returns nil when the job does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	h, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	job := jobFromHash(id, h)
	job.queue = q
	return job, nil
}

// FindByKey returns the most recent job added under key, or nil
func (q *Queue) FindByKey(ctx context.Context, key string) (*Job, error) {
	id, err := q.client.Get(ctx, q.refKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up job for %s: %w", key, err)
	}
	return q.Get(ctx, id)
}

// Counts reports the number of jobs in each state
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.list("wait"))
	active := pipe.LLen(ctx, q.list("active"))
	delayed := pipe.ZCard(ctx, q.list("delayed"))
	completed := pipe.ZCard(ctx, q.list("completed"))
	failed := pipe.ZCard(ctx, q.list("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return map[State]int64{
		StateWaiting:   wait.Val(),
		StateActive:    active.Val(),
		StateDelayed:   delayed.Val(),
		StateCompleted: completed.Val(),
		StateFailed:    failed.Val(),
	}, nil
}
