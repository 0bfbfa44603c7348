package model

import (
	"errors"
	"time"
)

// JobState is the lifecycle state of a queued order.
//
//	one-shot:  pending -> dispatched -> completed
//	recurring: pending -> dispatched -> pending -> ... -> exhausted
//	cancelled is reachable from every non-terminal state.
type JobState string

const (
	JobPending    JobState = "pending"
	JobDispatched JobState = "dispatched"
	JobCompleted  JobState = "completed"
	JobExhausted  JobState = "exhausted"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether no further executions can start from s.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobExhausted || s == JobCancelled
}

// ErrStaleExecution is returned when a completion carries a token the job
// no longer expects (already completed, or superseded by a redelivery).
var ErrStaleExecution = errors.New("execution token does not match job")

// Job is an Order owned by a queue together with its scheduling state and
// the results of the occurrences run so far.
type Job struct {
	ID               string    `json:"id"`
	Side             Side      `json:"side"`
	Order            Order     `json:"order"`
	State            JobState  `json:"state"`
	Occurrence       int       `json:"occurrence"`
	NextRunAt        time.Time `json:"next_run_at"`
	LastDispatchedAt time.Time `json:"last_dispatched_at,omitempty"`
	ExecToken        string    `json:"exec_token,omitempty"`
	LeaseUntil       time.Time `json:"lease_until,omitempty"`
	History          []Result  `json:"history"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the schedule or history.
func (j *Job) Clone() Job {
	cp := *j
	if j.Order.Schedule != nil {
		s := *j.Order.Schedule
		cp.Order.Schedule = &s
	}
	cp.History = append([]Result(nil), j.History...)
	return cp
}

// Due reports whether the job is pending and its run time has arrived.
func (j *Job) Due(now time.Time) bool {
	return j.State == JobPending && !j.NextRunAt.After(now)
}

// InFlight reports whether an occurrence has been handed to the executor
// and not yet completed.
func (j *Job) InFlight() bool {
	return j.ExecToken != ""
}

// LeaseExpired reports whether an in-flight occurrence outlived its lease
// and must be redelivered.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.InFlight() && j.LeaseUntil.Before(now)
}

// Claim moves a due job in flight under token. It returns false, leaving
// the job untouched, when the job is not due (cancelled, already claimed,
// or not yet scheduled to run).
func (j *Job) Claim(now time.Time, token string, lease time.Duration) bool {
	if !j.Due(now) {
		return false
	}
	j.State = JobDispatched
	j.ExecToken = token
	j.LeaseUntil = now.Add(lease)
	j.LastDispatchedAt = now
	j.Occurrence++
	if j.Order.Schedule != nil {
		j.Order.Schedule.Remaining--
	}
	j.UpdatedAt = now
	return true
}

// Renew extends the lease of an in-flight occurrence for redelivery.
// The execution token is kept so the executor can detect the replay.
func (j *Job) Renew(now time.Time, lease time.Duration) {
	j.LeaseUntil = now.Add(lease)
	j.UpdatedAt = now
}

// Complete records the result of the in-flight occurrence and advances
// the state machine.
func (j *Job) Complete(token string, res Result, now time.Time, historyLimit int) error {
	if !j.InFlight() || j.ExecToken != token {
		return ErrStaleExecution
	}
	j.AppendHistory(res, historyLimit)
	j.ExecToken = ""
	j.LeaseUntil = time.Time{}
	j.UpdatedAt = now

	switch {
	case j.State == JobCancelled:
	case j.Order.Schedule == nil:
		j.State = JobCompleted
	case j.Order.Schedule.Remaining <= 0:
		j.State = JobExhausted
	default:
		j.State = JobPending
		j.NextRunAt = j.LastDispatchedAt.Add(j.Order.Schedule.Interval())
	}
	return nil
}

// Cancel stops all future occurrences. An occurrence already in flight
// still completes and is recorded.
func (j *Job) Cancel(now time.Time) error {
	if j.State.Terminal() {
		return ErrJobNotFound
	}
	j.State = JobCancelled
	j.UpdatedAt = now
	return nil
}

// Reschedule replaces the payload and, when sched is non-nil, the
// recurrence. Identity, side and owner are preserved. While an occurrence
// is in flight the change applies to the following occurrences, so a job
// with none left fails with ErrAlreadyDispatched.
func (j *Job) Reschedule(symbol string, quantity int64, sched *Schedule, now time.Time) error {
	if j.State.Terminal() {
		return ErrJobNotFound
	}
	// The in-flight occurrence is the last one and keeps its payload.
	if j.State == JobDispatched && sched == nil &&
		(j.Order.Schedule == nil || j.Order.Schedule.Remaining <= 0) {
		return ErrAlreadyDispatched
	}
	next := j.Order
	if symbol != "" {
		next.Symbol = symbol
	}
	if quantity != 0 {
		next.Quantity = quantity
	}
	if sched != nil {
		s := *sched
		next.Schedule = &s
	}
	if err := next.Validate(); err != nil {
		return err
	}

	j.Order = next
	if sched != nil && j.State == JobPending {
		j.NextRunAt = now.Add(sched.Interval())
	}
	j.UpdatedAt = now
	return nil
}

// AppendHistory adds res, dropping the oldest entries beyond limit.
func (j *Job) AppendHistory(res Result, limit int) {
	j.History = append(j.History, res)
	if limit > 0 && len(j.History) > limit {
		j.History = append([]Result(nil), j.History[len(j.History)-limit:]...)
	}
}
