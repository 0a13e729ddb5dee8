package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// claimScript pops up to ARGV[1] ids from the pending list and records them in the
// processing set scored by claim time, atomically.
var claimScript = redis.NewScript(`
local out = {}
for i = 1, tonumber(ARGV[1]) do
	local id = redis.call('LPOP', KEYS[1])
	if not id then break end
	redis.call('ZADD', KEYS[2], ARGV[2], id)
	table.insert(out, id)
end
return out
`)

// RedisStore keeps jobs in Redis. Per kind it uses a pending list, a delayed set
// for retries, a processing set for claimed jobs, a failed list and a hash of job
// bodies. A shared index hash maps job ids to kinds.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
	now         func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string, maxAttempts int) *RedisStore {
	if prefix == "" {
		prefix = "warden:queue"
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RedisStore{client: client, prefix: prefix, maxAttempts: maxAttempts, now: time.Now}
}

func (r *RedisStore) key(kind, part string) string { return r.prefix + ":" + kind + ":" + part }

func (r *RedisStore) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	now := r.now().UTC()
	j := Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: r.maxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(kind, "jobs"), j.ID, raw)
		pipe.HSet(ctx, r.prefix+":index", j.ID, kind)
		pipe.RPush(ctx, r.key(kind, "pending"), j.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return j.ID, nil
}

func (r *RedisStore) load(ctx context.Context, kind, id string) (Job, error) {
	raw, err := r.client.HGet(ctx, r.key(kind, "jobs"), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (r *RedisStore) save(ctx context.Context, pipe redis.Pipeliner, j Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, r.key(j.Kind, "jobs"), j.ID, raw)
	return nil
}

// promoteDue moves retries whose run_after has passed back onto the pending list.
func (r *RedisStore) promoteDue(ctx context.Context, kind string, now time.Time) error {
	ids, err := r.client.ZRangeByScore(ctx, r.key(kind, "delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.key(kind, "delayed"), id).Result()
		if err != nil {
			return err
		}
		if removed == 1 {
			if err := r.client.RPush(ctx, r.key(kind, "pending"), id).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *RedisStore) Claim(ctx context.Context, kind string, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := r.now().UTC()
	if err := r.promoteDue(ctx, kind, now); err != nil {
		return nil, fmt.Errorf("promote delayed %s jobs: %w", kind, err)
	}
	ids, err := claimScript.Run(ctx, r.client,
		[]string{r.key(kind, "pending"), r.key(kind, "processing")},
		limit, now.UnixMilli()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim %s jobs: %w", kind, err)
	}
	jobs := make([]Job, 0, len(ids))
	pipe := r.client.TxPipeline()
	for _, id := range ids {
		j, err := r.load(ctx, kind, id)
		if errors.Is(err, ErrNotFound) {
			pipe.ZRem(ctx, r.key(kind, "processing"), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		j.Status = StatusProcessing
		j.Attempts++
		j.ClaimedAt = now
		if err := r.save(ctx, pipe, j); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("record claimed %s jobs: %w", kind, err)
	}
	return jobs, nil
}

func (r *RedisStore) kindOf(ctx context.Context, id string) (string, error) {
	kind, err := r.client.HGet(ctx, r.prefix+":index", id).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return kind, err
}

// Complete drops the job body and counts it. The kind is looked up from the claim
// index since callers only carry the id.
func (r *RedisStore) Complete(ctx context.Context, id string) error {
	kind, err := r.kindOf(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.key(kind, "processing"), id)
		pipe.HDel(ctx, r.key(kind, "jobs"), id)
		pipe.HDel(ctx, r.prefix+":index", id)
		pipe.HIncrBy(ctx, r.key(kind, "stats"), string(StatusCompleted), 1)
		return nil
	})
	return err
}

func (r *RedisStore) Fail(ctx context.Context, job Job, cause error) (Status, error) {
	status, runAfter := nextState(job, r.now().UTC())
	job.Status = status
	job.LastError = truncateError(cause)
	job.RunAfter = runAfter
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.key(job.Kind, "processing"), job.ID)
		if err := r.save(ctx, pipe, job); err != nil {
			return err
		}
		if status == StatusFailed {
			pipe.RPush(ctx, r.key(job.Kind, "failed"), job.ID)
			pipe.HIncrBy(ctx, r.key(job.Kind, "stats"), string(StatusFailed), 1)
			return nil
		}
		pipe.ZAdd(ctx, r.key(job.Kind, "delayed"), redis.Z{Score: float64(runAfter.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return status, nil
}

func (r *RedisStore) Depth(ctx context.Context, kind string) (Depth, error) {
	pipe := r.client.Pipeline()
	pending := pipe.LLen(ctx, r.key(kind, "pending"))
	delayed := pipe.ZCard(ctx, r.key(kind, "delayed"))
	processing := pipe.ZCard(ctx, r.key(kind, "processing"))
	stats := pipe.HGetAll(ctx, r.key(kind, "stats"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Depth{}, err
	}
	d := Depth{
		Pending:    pending.Val() + delayed.Val(),
		Processing: processing.Val(),
	}
	d.Completed, _ = strconv.ParseInt(stats.Val()[string(StatusCompleted)], 10, 64)
	d.Failed, _ = strconv.ParseInt(stats.Val()[string(StatusFailed)], 10, 64)
	return d, nil
}

func (r *RedisStore) RequeueStale(ctx context.Context, kind string, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan).UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, r.key(kind, "processing"), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.key(kind, "processing"), id).Result()
		if err != nil {
			return n, err
		}
		if removed == 0 {
			continue
		}
		if j, err := r.load(ctx, kind, id); err == nil {
			j.Status = StatusPending
			pipe := r.client.TxPipeline()
			_ = r.save(ctx, pipe, j)
			pipe.RPush(ctx, r.key(kind, "pending"), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
