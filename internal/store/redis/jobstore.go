// Package redis implements the job store and the job event channel on Redis.
//
// Key layout per side:
//
//	jobs:{side}:seq       INCR counter for job ids
//	job:{side}:{id}       job record (JSON)
//	jobs:{side}:due       ZSET of pending jobs, score = next run (unix ms)
//	jobs:{side}:inflight  ZSET of dispatched jobs, score = lease end (unix ms)
//
// Mutations use WATCH/MULTI on the job key so a claim and a cancel of the
// same job never interleave. Terminal records expire after the retention.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"stockexchange-v1/internal/model"
)

// Compile-time check that JobStore implements model.JobStore.
var _ model.JobStore = (*JobStore)(nil)

const maxTxRetries = 16

// Config configures the Redis job store.
type Config struct {
	Addr      string // Redis address, e.g. "localhost:6379"
	Password  string
	DB        int
	Retention time.Duration // how long terminal jobs stay readable; 0 keeps them
	Logger    *slog.Logger
}

// JobStore persists jobs in Redis.
type JobStore struct {
	client    *goredis.Client
	retention time.Duration
	logger    *slog.Logger
}

// Client returns the underlying Redis client for health checks.
func (s *JobStore) Client() *goredis.Client { return s.client }

// New creates a Redis JobStore and pings the server.
func New(cfg Config) (*JobStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := NewWithClient(client, cfg.Retention, cfg.Logger)
	s.logger.Info("connected", "addr", cfg.Addr)
	return s, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, retention time.Duration, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{
		client:    client,
		retention: retention,
		logger:    logger.With("component", "jobstore"),
	}
}

func seqKey(side model.Side) string      { return "jobs:" + string(side) + ":seq" }
func dueKey(side model.Side) string      { return "jobs:" + string(side) + ":due" }
func inflightKey(side model.Side) string { return "jobs:" + string(side) + ":inflight" }
func jobKey(side model.Side, id string) string {
	return "job:" + string(side) + ":" + id
}

func storeErr(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, model.ErrStore, err)
}

// NextID allocates the next job id for side.
func (s *JobStore) NextID(ctx context.Context, side model.Side) (string, error) {
	n, err := s.client.Incr(ctx, seqKey(side)).Result()
	if err != nil {
		return "", storeErr("INCR "+seqKey(side), err)
	}
	return strconv.FormatInt(n, 10), nil
}

// Create stores a new job and indexes it.
func (s *JobStore) Create(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return storeErr("encode job", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.Side, job.ID), data, 0)
		s.index(ctx, pipe, &job)
		return nil
	})
	if err != nil {
		return storeErr("create job", err)
	}
	return nil
}

// Get loads a job.
func (s *JobStore) Get(ctx context.Context, side model.Side, id string) (model.Job, error) {
	data, err := s.client.Get(ctx, jobKey(side, id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.Job{}, model.ErrJobNotFound
	}
	if err != nil {
		return model.Job{}, storeErr("GET "+jobKey(side, id), err)
	}
	return decodeJob(data)
}

// Update applies fn to the stored job under WATCH and writes it back in a
// MULTI block, retrying when a concurrent writer touched the key.
func (s *JobStore) Update(ctx context.Context, side model.Side, id string, fn func(job *model.Job) error) (model.Job, error) {
	key := jobKey(side, id)
	var (
		out   model.Job
		fnErr error
	)

	txf := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			fnErr = model.ErrJobNotFound
			return fnErr
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}
		if err := fn(&job); err != nil {
			fnErr = err
			return err
		}
		data, err = json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.index(ctx, pipe, &job)
			return nil
		})
		if err == nil {
			out = job
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		fnErr = nil
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case fnErr != nil:
			return model.Job{}, fnErr
		case errors.Is(err, goredis.TxFailedErr):
			continue
		default:
			return model.Job{}, storeErr("update "+key, err)
		}
	}
	return model.Job{}, storeErr("update "+key, fmt.Errorf("gave up after %d conflicting writes", maxTxRetries))
}

// index maintains the due and inflight sets for job and sets the expiry of
// terminal records.
func (s *JobStore) index(ctx context.Context, pipe goredis.Pipeliner, job *model.Job) {
	due, inflight := dueKey(job.Side), inflightKey(job.Side)
	pipe.ZRem(ctx, due, job.ID)
	pipe.ZRem(ctx, inflight, job.ID)

	if job.State == model.JobPending {
		pipe.ZAdd(ctx, due, &goredis.Z{Score: float64(job.NextRunAt.UnixMilli()), Member: job.ID})
	}
	if job.InFlight() {
		pipe.ZAdd(ctx, inflight, &goredis.Z{Score: float64(job.LeaseUntil.UnixMilli()), Member: job.ID})
	}
	if job.State.Terminal() && !job.InFlight() && s.retention > 0 {
		pipe.Expire(ctx, jobKey(job.Side, job.ID), s.retention)
	}
}

// Due lists up to limit pending jobs whose run time is <= now, earliest first.
func (s *JobStore) Due(ctx context.Context, side model.Side, now time.Time, limit int) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, dueKey(side), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storeErr("ZRANGEBYSCORE "+dueKey(side), err)
	}
	return ids, nil
}

// Expired lists up to limit in-flight jobs whose lease ended before now.
func (s *JobStore) Expired(ctx context.Context, side model.Side, now time.Time, limit int) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, inflightKey(side), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storeErr("ZRANGEBYSCORE "+inflightKey(side), err)
	}
	return ids, nil
}

// Pending returns the number of scheduled jobs for side.
func (s *JobStore) Pending(ctx context.Context, side model.Side) (int64, error) {
	n, err := s.client.ZCard(ctx, dueKey(side)).Result()
	if err != nil {
		return 0, storeErr("ZCARD "+dueKey(side), err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *JobStore) Close() error {
	return s.client.Close()
}

func decodeJob(data []byte) (model.Job, error) {
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return model.Job{}, storeErr("decode job", err)
	}
	return job, nil
}
