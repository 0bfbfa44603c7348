package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"stockexchange-v1/internal/logger"
	"stockexchange-v1/internal/model"
	"stockexchange-v1/internal/notification"
)

// Run is the dispatch loop of this queue. Every tick it redelivers
// occurrences whose lease expired, then claims due jobs and hands each to
// the executor with bounded parallelism. Blocks until ctx is cancelled,
// then waits for in-flight executions to finish.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("dispatcher started",
		"poll_interval", q.cfg.PollInterval, "parallelism", q.cfg.Parallelism, "lease", q.cfg.Lease)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.poll(ctx)
		select {
		case <-ctx.Done():
			q.wg.Wait()
			q.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// poll runs one dispatch pass.
func (q *Queue) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := q.cfg.Now()
	q.redeliver(ctx, now)

	ids, err := q.store.Due(ctx, q.side, now, q.cfg.BatchSize)
	if err != nil {
		q.logger.Error("list due jobs", "error", err)
		return
	}
	for _, id := range ids {
		// The slot is taken before the claim so the dispatch time recorded
		// on the job is the time the execution starts.
		if !q.acquire(ctx) {
			return
		}
		job, ok := q.claim(ctx, id, q.cfg.Now())
		if !ok {
			q.release()
			continue
		}
		q.launch(ctx, job)
	}

	if n, err := q.store.Pending(ctx, q.side); err == nil {
		q.cfg.Metrics.SetPending(q.side, n)
	}
}

// claim marks a due job in flight under a fresh execution token. The state
// check and the transition happen in one store update, so a job cancelled
// before this point is never dispatched.
func (q *Queue) claim(ctx context.Context, id string, now time.Time) (model.Job, bool) {
	token := uuid.NewString()
	job, err := q.store.Update(ctx, q.side, id, func(j *model.Job) error {
		if !j.Claim(now, token, q.cfg.Lease) {
			return errNotDue
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errNotDue), errors.Is(err, model.ErrJobNotFound):
		return model.Job{}, false
	default:
		q.logger.Error("claim job", "job_id", id, "error", err)
		return model.Job{}, false
	}

	q.publish(ctx, model.EventDispatched, job)
	return job, true
}

// redeliver re-runs in-flight occurrences whose lease expired, keeping
// their execution token so the executor answers from its record if the
// first attempt did apply.
func (q *Queue) redeliver(ctx context.Context, now time.Time) {
	ids, err := q.store.Expired(ctx, q.side, now, q.cfg.BatchSize)
	if err != nil {
		q.logger.Error("list expired leases", "error", err)
		return
	}
	for _, id := range ids {
		if !q.acquire(ctx) {
			return
		}
		renewedAt := q.cfg.Now()
		job, err := q.store.Update(ctx, q.side, id, func(j *model.Job) error {
			if !j.LeaseExpired(renewedAt) {
				return errNotDue
			}
			j.Renew(renewedAt, q.cfg.Lease)
			return nil
		})
		if err != nil {
			q.release()
			if !errors.Is(err, errNotDue) && !errors.Is(err, model.ErrJobNotFound) {
				q.logger.Error("renew lease", "job_id", id, "error", err)
			}
			continue
		}

		q.cfg.Metrics.IncRedelivery(q.side)
		q.logger.Warn("redelivering occurrence", "job", logger.JobRef(string(q.side), job.ID, job.Occurrence),
			"trace_id", job.ExecToken)
		q.launch(ctx, job)
	}
}

// acquire waits for an execution slot. It returns false if ctx is
// cancelled first.
func (q *Queue) acquire(ctx context.Context) bool {
	select {
	case q.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) release() { <-q.sem }

// launch runs a claimed job on the slot taken by acquire.
func (q *Queue) launch(ctx context.Context, job model.Job) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.release()
		// A started execution runs to completion even during shutdown.
		q.execute(context.WithoutCancel(ctx), job)
	}()
}

// execute runs one occurrence and records its result on the job.
func (q *Queue) execute(ctx context.Context, job model.Job) {
	token := job.ExecToken
	ctx = logger.WithTraceID(ctx, token)
	ref := logger.JobRef(string(q.side), job.ID, job.Occurrence)

	res := q.exec.Execute(ctx, model.Execution{
		Token:       token,
		JobID:       job.ID,
		Side:        q.side,
		Username:    job.Order.Username,
		Symbol:      job.Order.Symbol,
		Quantity:    job.Order.Quantity,
		SubmittedAt: job.Order.SubmittedAt,
	})

	if model.IsSystemFault(res.Error) {
		q.alert(ctx, job, res)
	}

	done, err := q.store.Update(ctx, q.side, job.ID, func(j *model.Job) error {
		return j.Complete(token, res, q.cfg.Now(), q.cfg.HistoryLimit)
	})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrStaleExecution), errors.Is(err, model.ErrJobNotFound):
		q.logger.Warn("dropping stale completion", append(logger.LogWithTrace(ctx), "job", ref, "error", err)...)
		return
	default:
		// The lease will expire and the occurrence is redelivered with the
		// same token; the executor replays the recorded result.
		q.logger.Error("record completion", append(logger.LogWithTrace(ctx), "job", ref, "error", err)...)
		return
	}

	q.publish(ctx, model.EventCompleted, done)
	q.logger.Info("occurrence completed", append(logger.LogWithTrace(ctx),
		"job", ref, "success", res.Success, "state", done.State, "next_run_at", done.NextRunAt)...)
}

func (q *Queue) alert(ctx context.Context, job model.Job, res model.Result) {
	if q.cfg.Notifier == nil {
		return
	}
	err := q.cfg.Notifier.Send(ctx, notification.Alert{
		Level:   notification.AlertCritical,
		Title:   "order execution fault",
		Message: res.Message,
		Fields: map[string]string{
			notification.FieldSide:           string(q.side),
			notification.FieldJobID:          job.ID,
			notification.FieldUsername:       job.Order.Username,
			notification.FieldSymbol:         job.Order.Symbol,
			notification.FieldError:          res.Error,
			notification.FieldExecutionToken: res.ExecutionToken,
			"occurrence":                     strconv.Itoa(job.Occurrence),
		},
	})
	if err != nil {
		q.logger.Error("send alert", "job_id", job.ID, "error", err)
	}
}
