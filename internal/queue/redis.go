package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on redis lists. Work and response queues
// are durable named lists; at-least-once delivery comes from BLMOVE into a
// per-consumer processing list, with LREM as the acknowledgement once the
// response has been published.
type RedisBroker struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisBroker(client *redis.Client, prefix string, timeout time.Duration) *RedisBroker {
	return &RedisBroker{client: client, prefix: prefix, timeout: timeout}
}

func (b *RedisBroker) workQueue(t domain.TaskType) string {
	return fmt.Sprintf("%s:queue:%s", b.prefix, t)
}

func (b *RedisBroker) responseQueue(t domain.TaskType) string {
	return fmt.Sprintf("%s:queue:%s:responses", b.prefix, t)
}

func (b *RedisBroker) processingList(t domain.TaskType, consumer string) string {
	return fmt.Sprintf("%s:processing:%s:%s", b.prefix, t, consumer)
}

func (b *RedisBroker) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode task")
	}
	return b.client.LPush(ctx, b.workQueue(task.Type), payload).Err()
}

func (b *RedisBroker) Dequeue(ctx context.Context, taskType domain.TaskType, consumer string) (*Delivery, error) {
	processing := b.processingList(taskType, consumer)
	raw, err := b.client.BLMove(ctx, b.workQueue(taskType), processing, "RIGHT", "LEFT", b.timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "dequeue failed")
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Poison message: remove it so it cannot wedge the consumer.
		b.client.LRem(ctx, processing, 1, raw)
		return nil, pkgerrors.Wrap(err, "failed to decode task")
	}

	return &Delivery{
		Task: &task,
		Ack: func(ctx context.Context) error {
			return b.client.LRem(ctx, processing, 1, raw).Err()
		},
	}, nil
}

// Reclaim moves tasks left in a consumer's processing list back onto the
// work queue, at the consuming end so they are redelivered first. Consumer
// names are deterministic, so a restarted worker recovers exactly the tasks
// its predecessor dropped between dequeue and ack.
func (b *RedisBroker) Reclaim(ctx context.Context, taskType domain.TaskType, consumer string) (int, error) {
	processing := b.processingList(taskType, consumer)
	moved := 0
	for {
		_, err := b.client.LMove(ctx, processing, b.workQueue(taskType), "RIGHT", "RIGHT").Result()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, pkgerrors.Wrap(err, "reclaim failed")
		}
		moved++
	}
}

func (b *RedisBroker) Publish(ctx context.Context, taskType domain.TaskType, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode response")
	}
	return b.client.LPush(ctx, b.responseQueue(taskType), payload).Err()
}

func (b *RedisBroker) NextResponse(ctx context.Context, taskType domain.TaskType) (*Response, error) {
	result, err := b.client.BRPop(ctx, b.timeout, b.responseQueue(taskType)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "response wait failed")
	}

	// BRPOP returns [key, value].
	var resp Response
	if err := json.Unmarshal([]byte(result[1]), &resp); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode response")
	}
	return &resp, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// RedisJobStore keeps Job state in redis string keys with a TTL, so any
// process sharing the redis instance can poll jobs.
type RedisJobStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisJobStore(client *redis.Client, prefix string, ttl time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisJobStore) key(uid uuid.UUID) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, uid)
}

func (s *RedisJobStore) Create(ctx context.Context, job *domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode job")
	}
	return s.client.Set(ctx, s.key(job.UID), payload, s.ttl).Err()
}

// finishRetries bounds the optimistic retries when concurrent writers keep
// invalidating the watched job key.
const finishRetries = 3

// Finish runs its read-check-write under WATCH, so two processes consuming
// duplicate responses cannot both pass the Terminal check and rewrite the
// recorded outcome.
func (s *RedisJobStore) Finish(ctx context.Context, uid uuid.UUID, status domain.JobStatus, code int, result json.RawMessage, errMsg string) error {
	key := s.key(uid)
	txf := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return pkgerrors.ErrJobNotFound
		}
		if err != nil {
			return pkgerrors.Wrap(err, "failed to fetch job")
		}
		var job domain.Job
		if err := json.Unmarshal(payload, &job); err != nil {
			return pkgerrors.Wrap(err, "failed to decode job")
		}
		if job.Terminal() {
			// A job transitions exactly once; a duplicate response
			// (redelivered task) must not rewrite the recorded outcome.
			return nil
		}

		now := time.Now().UTC()
		job.Status = status
		job.StatusCode = code
		job.Result = result
		job.Error = errMsg
		job.CompletedAt = &now

		updated, err := json.Marshal(&job)
		if err != nil {
			return pkgerrors.Wrap(err, "failed to encode job")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < finishRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return pkgerrors.Wrap(redis.TxFailedErr, "failed to finish job")
}

func (s *RedisJobStore) Get(ctx context.Context, uid uuid.UUID) (*domain.Job, error) {
	payload, err := s.client.Get(ctx, s.key(uid)).Bytes()
	if err == redis.Nil {
		return nil, pkgerrors.ErrJobNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch job")
	}

	var job domain.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode job")
	}
	return &job, nil
}
