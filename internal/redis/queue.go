package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/queue"
)

const (
	queueJobsKey      = "queue:jobs"      // hash id -> job JSON
	queueRankKey      = "queue:rank"      // hash id -> ready score
	queueDelayedKey   = "queue:delayed"   // zset score = runAt ms
	queueReadyKey     = "queue:ready"     // zset score = rank
	queueActiveKey    = "queue:active"    // zset score = lease deadline ms
	queueCompletedKey = "queue:completed" // zset score = completedAt ms
	queueFailedKey    = "queue:failed"    // zset score = failedAt ms

	// Higher priority must sort first in ZPOPMIN; the weight keeps any
	// millisecond timestamp below one priority step.
	priorityWeight = 1e13
)

// popScript promotes due delayed jobs, pops the best ready job and leases it.
var popScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	local rank = redis.call("HGET", KEYS[4], id)
	if rank then
		redis.call("ZADD", KEYS[2], rank, id)
	end
end
local popped = redis.call("ZPOPMIN", KEYS[2])
if #popped == 0 then
	return false
end
local id = popped[1]
redis.call("ZADD", KEYS[3], ARGV[2], id)
return redis.call("HGET", KEYS[5], id)
`)

// requeueScript moves jobs whose lease ran out back to the ready set.
var requeueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	local rank = redis.call("HGET", KEYS[3], id)
	if rank then
		redis.call("ZADD", KEYS[2], rank, id)
	end
end
return #ids
`)

// QueueStore is the Redis implementation of queue.Store.
type QueueStore struct {
	client *redis.Client
}

// NewQueueStore creates a new QueueStore.
func NewQueueStore(client *redis.Client) *QueueStore {
	return &QueueStore{client: client}
}

func rank(job *queue.Job) float64 {
	return -float64(job.Priority)*priorityWeight + float64(job.RunAt.UnixMilli())
}

func (s *QueueStore) Push(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, queueJobsKey, job.ID, data)
		pipe.HSet(ctx, queueRankKey, job.ID, strconv.FormatFloat(rank(job), 'f', -1, 64))
		if job.Status == queue.StatusDelayed {
			pipe.ZAdd(ctx, queueDelayedKey, redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		} else {
			pipe.ZAdd(ctx, queueReadyKey, redis.Z{Score: rank(job), Member: job.ID})
		}
		return nil
	})
	return err
}

func (s *QueueStore) Pop(ctx context.Context, now time.Time, lease time.Duration) (*queue.Job, error) {
	keys := []string{queueDelayedKey, queueReadyKey, queueActiveKey, queueRankKey, queueJobsKey}
	res, err := popScript.Run(ctx, s.client, keys, now.UnixMilli(), now.Add(lease).UnixMilli()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var job queue.Job
	if err := json.Unmarshal([]byte(res), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.Status = queue.StatusActive
	return &job, nil
}

func (s *QueueStore) Complete(ctx context.Context, job *queue.Job) error {
	job.Status = queue.StatusCompleted
	return s.finish(ctx, job, queueCompletedKey, job.CompletedAt)
}

func (s *QueueStore) Fail(ctx context.Context, job *queue.Job) error {
	job.Status = queue.StatusFailed
	return s.finish(ctx, job, queueFailedKey, job.FailedAt)
}

func (s *QueueStore) finish(ctx context.Context, job *queue.Job, setKey string, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, queueJobsKey, job.ID, data)
		pipe.HDel(ctx, queueRankKey, job.ID)
		pipe.ZRem(ctx, queueActiveKey, job.ID)
		pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (s *QueueStore) Retry(ctx context.Context, job *queue.Job, runAt time.Time) error {
	job.Status = queue.StatusDelayed
	job.RunAt = runAt
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, queueJobsKey, job.ID, data)
		pipe.HSet(ctx, queueRankKey, job.ID, strconv.FormatFloat(rank(job), 'f', -1, 64))
		pipe.ZRem(ctx, queueActiveKey, job.ID)
		pipe.ZAdd(ctx, queueDelayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (s *QueueStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	keys := []string{queueActiveKey, queueReadyKey, queueRankKey}
	return requeueScript.Run(ctx, s.client, keys, now.UnixMilli()).Int()
}

func (s *QueueStore) Prune(ctx context.Context, before time.Time) (int, error) {
	max := strconv.FormatInt(before.UnixMilli(), 10)
	total := 0

	for _, key := range []string{queueCompletedKey, queueFailedKey} {
		ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "(" + max}).Result()
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			continue
		}

		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, queueJobsKey, ids...)
			pipe.ZRem(ctx, key, members...)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(ids)
	}
	return total, nil
}

func (s *QueueStore) Get(ctx context.Context, id string) (*queue.Job, error) {
	data, err := s.client.HGet(ctx, queueJobsKey, id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, queue.ErrJobNotFound
		}
		return nil, err
	}
	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *QueueStore) Stats(ctx context.Context) (queue.Stats, error) {
	pipe := s.client.Pipeline()
	ready := pipe.ZCard(ctx, queueReadyKey)
	delayed := pipe.ZCard(ctx, queueDelayedKey)
	active := pipe.ZCard(ctx, queueActiveKey)
	completed := pipe.ZCard(ctx, queueCompletedKey)
	failed := pipe.ZCard(ctx, queueFailedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, err
	}

	return queue.Stats{
		Pending:   ready.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}
