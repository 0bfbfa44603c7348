// Package queue owns the buy and sell order queues: submission, reschedule,
// cancellation and the per-side dispatcher that hands due occurrences to
// the executor.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stockexchange-v1/internal/metrics"
	"stockexchange-v1/internal/model"
	"stockexchange-v1/internal/notification"
)

// Executor runs one delivered occurrence.
type Executor interface {
	Execute(ctx context.Context, exec model.Execution) model.Result
}

// Config configures a Queue.
type Config struct {
	GraceDelay   time.Duration // one-shot orders wait this long before dispatch
	PollInterval time.Duration // dispatcher tick
	Lease        time.Duration // in-flight time before an occurrence is redelivered
	Parallelism  int           // concurrent executions per side
	BatchSize    int           // due jobs claimed per tick
	HistoryLimit int           // results kept per job

	Events   model.EventSink       // optional
	Notifier notification.Notifier // optional; alerted on system faults
	Metrics  *metrics.Metrics      // optional
	Logger   *slog.Logger
	Now      func() time.Time
}

// ConfigDefaults returns default configuration.
func ConfigDefaults() Config {
	return Config{
		GraceDelay:   30 * time.Second,
		PollInterval: 500 * time.Millisecond,
		Lease:        2 * time.Minute,
		Parallelism:  4,
		BatchSize:    64,
		HistoryLimit: 50,
	}
}

func (c *Config) applyDefaults() {
	d := ConfigDefaults()
	if c.GraceDelay < 0 {
		c.GraceDelay = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Queue is the order queue of one side.
type Queue struct {
	side   model.Side
	store  model.JobStore
	exec   Executor
	cfg    Config
	logger *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates the queue for side.
func New(side model.Side, store model.JobStore, exec Executor, cfg Config) (*Queue, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("queue: %w: side %q", model.ErrValidation, side)
	}
	cfg.applyDefaults()
	return &Queue{
		side:   side,
		store:  store,
		exec:   exec,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "queue", "side", string(side)),
		sem:    make(chan struct{}, cfg.Parallelism),
	}, nil
}

// Side returns the side this queue serves.
func (q *Queue) Side() model.Side { return q.side }

// Submit enqueues order and returns its job without waiting for execution.
// One-shot orders run after the grace delay; recurring orders first run
// one interval after submission.
func (q *Queue) Submit(ctx context.Context, order model.Order) (model.Job, error) {
	if order.Side == "" {
		order.Side = q.side
	}
	if order.Side != q.side {
		return model.Job{}, fmt.Errorf("%w: %s order submitted to the %s queue", model.ErrValidation, order.Side, q.side)
	}
	order.Symbol = strings.TrimSpace(order.Symbol)
	if err := order.Validate(); err != nil {
		return model.Job{}, err
	}

	id, err := q.store.NextID(ctx, q.side)
	if err != nil {
		return model.Job{}, fmt.Errorf("queue submit: %w", err)
	}

	now := q.cfg.Now()
	order.ID = id
	order.SubmittedAt = now
	runAt := now.Add(q.cfg.GraceDelay)
	if order.Recurring() {
		s := *order.Schedule
		order.Schedule = &s
		runAt = now.Add(s.Interval())
	}

	job := model.Job{
		ID:        id,
		Side:      q.side,
		Order:     order,
		State:     model.JobPending,
		NextRunAt: runAt,
		History:   []model.Result{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("queue submit: %w", err)
	}

	q.cfg.Metrics.ObserveSubmit(q.side, order.Recurring())
	q.publish(ctx, model.EventSubmitted, job)
	q.logger.Info("order submitted",
		"job_id", id, "username", order.Username, "symbol", order.Symbol,
		"quantity", order.Quantity, "recurring", order.Recurring(), "run_at", runAt)
	return job, nil
}

// RescheduleRequest replaces fields of a queued order. Empty Symbol, zero
// Quantity and nil Schedule keep the current values.
type RescheduleRequest struct {
	Username string
	JobID    string
	Symbol   string
	Quantity int64
	Schedule *model.Schedule
}

// Reschedule replaces the payload and/or recurrence of a live job in place.
// It fails with ErrJobNotFound for unknown or terminal jobs, ErrNotOwner when
// Username does not own the job, and a validation error for bad fields.
func (q *Queue) Reschedule(ctx context.Context, req RescheduleRequest) (model.Job, error) {
	if req.Quantity < 0 {
		return model.Job{}, fmt.Errorf("%w: quantity must be positive", model.ErrValidation)
	}
	if req.Schedule != nil {
		if err := req.Schedule.Validate(); err != nil {
			return model.Job{}, err
		}
	}

	job, err := q.store.Update(ctx, q.side, req.JobID, func(j *model.Job) error {
		if j.Order.Username != req.Username {
			return model.ErrNotOwner
		}
		return j.Reschedule(strings.TrimSpace(req.Symbol), req.Quantity, req.Schedule, q.cfg.Now())
	})
	if err != nil {
		return model.Job{}, err
	}

	q.publish(ctx, model.EventRescheduled, job)
	q.logger.Info("order rescheduled", "job_id", job.ID, "username", req.Username,
		"symbol", job.Order.Symbol, "quantity", job.Order.Quantity, "next_run_at", job.NextRunAt)
	return job, nil
}

// Cancel stops every future occurrence of the job. An occurrence already
// handed to the executor is not affected and its result is still recorded.
func (q *Queue) Cancel(ctx context.Context, username, jobID string) (model.Job, error) {
	job, err := q.store.Update(ctx, q.side, jobID, func(j *model.Job) error {
		if j.Order.Username != username {
			return model.ErrNotOwner
		}
		return j.Cancel(q.cfg.Now())
	})
	if err != nil {
		return model.Job{}, err
	}

	q.publish(ctx, model.EventCancelled, job)
	q.logger.Info("order cancelled", "job_id", job.ID, "username", username, "in_flight", job.InFlight())
	return job, nil
}

// GetJob loads a job. ErrJobNotFound and store faults (ErrStore) are distinct.
func (q *Queue) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	return q.store.Get(ctx, q.side, jobID)
}

// Wait blocks until the job reaches a terminal state with no occurrence in
// flight and returns it. A store fault is returned immediately; ctx bounds
// the wait.
func (q *Queue) Wait(ctx context.Context, jobID string) (model.Job, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		job, err := q.store.Get(ctx, q.side, jobID)
		if err != nil {
			return model.Job{}, err
		}
		if job.State.Terminal() && !job.InFlight() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) publish(ctx context.Context, eventType string, job model.Job) {
	q.cfg.Metrics.IncJobEvent(eventType)
	if q.cfg.Events == nil {
		return
	}
	q.cfg.Events.Publish(ctx, model.JobEvent{Type: eventType, Job: job, At: q.cfg.Now()})
}

// errNotDue aborts a claim or redelivery whose precondition no longer holds.
var errNotDue = errors.New("job not due")
