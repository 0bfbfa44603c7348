package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"

	"stockexchange-v1/internal/model"
	"stockexchange-v1/internal/notification"
	"stockexchange-v1/internal/store/redis"
)

// fakeExec records every execution and answers with result (success by default).
type fakeExec struct {
	mu     sync.Mutex
	calls  []model.Execution
	at     []time.Time
	result func(model.Execution) model.Result
	gate   chan struct{} // when set, each call blocks until it is closed
}

func (f *fakeExec) Execute(_ context.Context, exec model.Execution) model.Result {
	f.mu.Lock()
	f.calls = append(f.calls, exec)
	f.at = append(f.at, time.Now())
	gate, result := f.gate, f.result
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if result != nil {
		return result(exec)
	}
	return model.Result{Success: true, Message: "ok", ExecutedQuantity: exec.Quantity, ExecutionToken: exec.Token}
}

func (f *fakeExec) snapshot() ([]model.Execution, []time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Execution(nil), f.calls...), append([]time.Time(nil), f.at...)
}

func testConfig() Config {
	return Config{
		GraceDelay:   30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Minute,
		Parallelism:  2,
		HistoryLimit: 10,
	}
}

// startQueue creates a queue on store and runs its dispatcher until the test ends.
func startQueue(t *testing.T, side model.Side, store model.JobStore, exec Executor, cfg Config) *Queue {
	t.Helper()
	q, err := New(side, store, exec, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func waitJob(t *testing.T, q *Queue, id string) model.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	job, err := q.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v (state %s)", id, err, job.State)
	}
	return job
}

func order(username, symbol string, qty int64) model.Order {
	return model.Order{Username: username, Symbol: symbol, Quantity: qty}
}

func TestQueue_OneShotRunsAfterGraceDelay(t *testing.T) {
	exec := &fakeExec{}
	q := startQueue(t, model.SideBuy, NewMemoryStore(0), exec, testConfig())

	submitted := time.Now()
	job, err := q.Submit(context.Background(), order("abc", "APPL", 50))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.ID == "" || job.State != model.JobPending || job.Order.Side != model.SideBuy {
		t.Fatalf("unexpected job %+v", job)
	}

	done := waitJob(t, q, job.ID)
	if done.State != model.JobCompleted || len(done.History) != 1 || !done.History[0].Success {
		t.Fatalf("unexpected completed job %+v", done)
	}

	calls, at := exec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(calls))
	}
	if at[0].Sub(submitted) < 30*time.Millisecond {
		t.Errorf("executed %v after submit, before the grace delay", at[0].Sub(submitted))
	}
	if c := calls[0]; c.JobID != job.ID || c.Quantity != 50 || c.Token == "" || c.Side != model.SideBuy {
		t.Errorf("unexpected execution %+v", c)
	}
}

func TestQueue_CancelBeforeDispatchNeverExecutes(t *testing.T) {
	exec := &fakeExec{}
	cfg := testConfig()
	cfg.GraceDelay = 50 * time.Millisecond
	q := startQueue(t, model.SideSell, NewMemoryStore(0), exec, cfg)
	ctx := context.Background()

	job, _ := q.Submit(ctx, order("abc", "APPL", 5))
	if _, err := q.Cancel(ctx, "someone-else", job.ID); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	cancelled, err := q.Cancel(ctx, "abc", job.ID)
	if err != nil || cancelled.State != model.JobCancelled {
		t.Fatalf("Cancel: %+v (%v)", cancelled, err)
	}

	time.Sleep(120 * time.Millisecond)
	if calls, _ := exec.snapshot(); len(calls) != 0 {
		t.Errorf("cancelled job executed %d times", len(calls))
	}
	if _, err := q.Cancel(ctx, "abc", job.ID); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("second cancel: expected ErrJobNotFound, got %v", err)
	}
	if _, err := q.Cancel(ctx, "abc", "404"); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("unknown job: expected ErrJobNotFound, got %v", err)
	}
}

func TestQueue_RecurringRunsExactlyNTimes(t *testing.T) {
	exec := &fakeExec{}
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.Parallelism = 1
	cfg.Events = sink
	q := startQueue(t, model.SideBuy, NewMemoryStore(0), exec, cfg)

	o := order("abc", "APPL", 1)
	o.Schedule = &model.Schedule{IntervalMs: 30, Remaining: 3}
	job, err := q.Submit(context.Background(), o)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitJob(t, q, job.ID)
	if done.State != model.JobExhausted || done.Occurrence != 3 || len(done.History) != 3 {
		t.Fatalf("unexpected exhausted job: state=%s occurrence=%d history=%d", done.State, done.Occurrence, len(done.History))
	}

	time.Sleep(80 * time.Millisecond)
	calls, _ := exec.snapshot()
	if len(calls) != 3 {
		t.Fatalf("expected exactly 3 executions, got %d", len(calls))
	}
	tokens := map[string]bool{}
	for _, c := range calls {
		tokens[c.Token] = true
	}
	if len(tokens) != 3 {
		t.Errorf("expected a distinct token per occurrence, got %d", len(tokens))
	}

	at := sink.dispatchTimes()
	if len(at) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(at))
	}
	for i := 1; i < len(at); i++ {
		if gap := at[i].Sub(at[i-1]); gap < 30*time.Millisecond {
			t.Errorf("occurrences %d and %d dispatched only %v apart", i-1, i, gap)
		}
	}
}

func TestQueue_DispatchTimeIsWhenSlotFrees(t *testing.T) {
	exec := &fakeExec{gate: make(chan struct{})}
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.Parallelism = 1
	cfg.Events = sink
	q := startQueue(t, model.SideBuy, NewMemoryStore(0), exec, cfg)
	ctx := context.Background()

	first, _ := q.Submit(ctx, order("abc", "APPL", 1))
	second, _ := q.Submit(ctx, order("abc", "APPL", 2))
	waitCalls(t, exec, 1)

	time.Sleep(40 * time.Millisecond)
	if got := sink.dispatchTimes(); len(got) != 1 {
		t.Fatalf("second job claimed while the only slot was busy: %d dispatches", len(got))
	}
	close(exec.gate)
	waitJob(t, q, first.ID)
	waitJob(t, q, second.ID)

	at := sink.dispatchTimes()
	if len(at) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(at))
	}
	if gap := at[1].Sub(at[0]); gap < 40*time.Millisecond {
		t.Errorf("second dispatch stamped %v after the first, before the slot was free", gap)
	}
}

func TestQueue_Reschedule(t *testing.T) {
	exec := &fakeExec{}
	cfg := testConfig()
	cfg.GraceDelay = 60 * time.Millisecond
	q := startQueue(t, model.SideBuy, NewMemoryStore(0), exec, cfg)
	ctx := context.Background()

	job, _ := q.Submit(ctx, order("abc", "APPL", 5))

	if _, err := q.Reschedule(ctx, RescheduleRequest{Username: "mallory", JobID: job.ID, Quantity: 9}); !errors.Is(err, model.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	bad := &model.Schedule{IntervalMs: 0, Remaining: 1}
	if _, err := q.Reschedule(ctx, RescheduleRequest{Username: "abc", JobID: job.ID, Schedule: bad}); !errors.Is(err, model.ErrInvalidSchedule) {
		t.Errorf("expected ErrInvalidSchedule, got %v", err)
	}

	updated, err := q.Reschedule(ctx, RescheduleRequest{Username: "abc", JobID: job.ID, Symbol: "MSFT", Quantity: 9})
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if updated.ID != job.ID || updated.Order.Symbol != "MSFT" || updated.Order.Quantity != 9 {
		t.Fatalf("unexpected rescheduled job %+v", updated.Order)
	}

	waitJob(t, q, job.ID)
	calls, _ := exec.snapshot()
	if len(calls) != 1 || calls[0].Symbol != "MSFT" || calls[0].Quantity != 9 {
		t.Fatalf("expected the rescheduled payload to execute, got %+v", calls)
	}

	if _, err := q.Reschedule(ctx, RescheduleRequest{Username: "abc", JobID: job.ID, Quantity: 1}); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("reschedule of completed job: expected ErrJobNotFound, got %v", err)
	}
}

// waitCalls blocks until exec has seen n executions.
func waitCalls(t *testing.T, exec *fakeExec, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if calls, _ := exec.snapshot(); len(calls) >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d executions before the deadline", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestQueue_RescheduleRejectedWhileLastOccurrenceInFlight(t *testing.T) {
	exec := &fakeExec{gate: make(chan struct{})}
	q := startQueue(t, model.SideBuy, NewMemoryStore(0), exec, testConfig())
	ctx := context.Background()

	job, _ := q.Submit(ctx, order("abc", "APPL", 5))
	waitCalls(t, exec, 1)

	_, err := q.Reschedule(ctx, RescheduleRequest{Username: "abc", JobID: job.ID, Quantity: 99})
	if !errors.Is(err, model.ErrAlreadyDispatched) {
		t.Errorf("expected ErrAlreadyDispatched, got %v", err)
	}
	inFlight, _ := q.GetJob(ctx, job.ID)
	if inFlight.Order.Quantity != 5 {
		t.Errorf("rejected reschedule changed the order: qty=%d", inFlight.Order.Quantity)
	}
	close(exec.gate)

	done := waitJob(t, q, job.ID)
	if done.State != model.JobCompleted || done.Order.Quantity != 5 || done.History[0].ExecutedQuantity != 5 {
		t.Errorf("order and history disagree: state=%s qty=%d executed=%d",
			done.State, done.Order.Quantity, done.History[0].ExecutedQuantity)
	}
}

func TestQueue_FailuresDoNotStopDispatch(t *testing.T) {
	exec := &fakeExec{result: func(e model.Execution) model.Result {
		if e.Username == "poor" {
			return model.Failed(e.Token, "Insufficient balance, please deposit.", model.ErrInsufficientFunds)
		}
		return model.Result{Success: true, ExecutionToken: e.Token}
	}}
	q := startQueue(t, model.SideBuy, NewMemoryStore(0), exec, testConfig())
	ctx := context.Background()

	failing, _ := q.Submit(ctx, order("poor", "APPL", 1))
	ok, _ := q.Submit(ctx, order("rich", "APPL", 1))

	f := waitJob(t, q, failing.ID)
	if f.State != model.JobCompleted || f.History[0].Success || f.History[0].Error != model.KindInsufficientFunds {
		t.Errorf("expected completed job with a failed result, got %+v", f)
	}
	s := waitJob(t, q, ok.ID)
	if !s.History[0].Success {
		t.Errorf("second job did not run after the first failed: %+v", s)
	}
}

func TestQueue_CancelDuringFlightRecordsResult(t *testing.T) {
	exec := &fakeExec{gate: make(chan struct{})}
	q := startQueue(t, model.SideBuy, NewMemoryStore(0), exec, testConfig())
	ctx := context.Background()

	o := order("abc", "APPL", 1)
	o.Schedule = &model.Schedule{IntervalMs: 10, Remaining: 5}
	job, _ := q.Submit(ctx, o)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if calls, _ := exec.snapshot(); len(calls) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first occurrence was never dispatched")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := q.Cancel(ctx, "abc", job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(exec.gate)

	done := waitJob(t, q, job.ID)
	if done.State != model.JobCancelled || len(done.History) != 1 || !done.History[0].Success {
		t.Fatalf("expected cancelled job with the in-flight result, got state=%s history=%d", done.State, len(done.History))
	}
	time.Sleep(50 * time.Millisecond)
	if calls, _ := exec.snapshot(); len(calls) != 1 {
		t.Errorf("expected no occurrence after cancel, got %d executions", len(calls))
	}
}

func TestQueue_RedeliversExpiredLeaseWithSameToken(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	// A job claimed by a previous process that died mid-execution.
	stuck := model.Job{
		ID:   "1",
		Side: model.SideSell,
		Order: model.Order{
			ID: "1", Username: "abc", Symbol: "APPL", Quantity: 3, Side: model.SideSell, SubmittedAt: past,
		},
		State:            model.JobDispatched,
		Occurrence:       1,
		LastDispatchedAt: past,
		ExecToken:        "tok-crashed",
		LeaseUntil:       past.Add(time.Second),
		CreatedAt:        past,
		UpdatedAt:        past,
	}
	store.Create(ctx, stuck)

	exec := &fakeExec{}
	q := startQueue(t, model.SideSell, store, exec, testConfig())

	done := waitJob(t, q, "1")
	if done.State != model.JobCompleted || len(done.History) != 1 {
		t.Fatalf("unexpected job after redelivery %+v", done)
	}
	calls, _ := exec.snapshot()
	if len(calls) != 1 || calls[0].Token != "tok-crashed" {
		t.Fatalf("expected one redelivery with the original token, got %+v", calls)
	}
}

func TestQueue_SubmitValidation(t *testing.T) {
	q, err := New(model.SideBuy, NewMemoryStore(0), &fakeExec{}, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name string
		o    model.Order
		want error
	}{
		{"zero quantity", order("abc", "APPL", 0), model.ErrValidation},
		{"no symbol", order("abc", "  ", 1), model.ErrValidation},
		{"wrong side", model.Order{Username: "abc", Symbol: "APPL", Quantity: 1, Side: model.SideSell}, model.ErrValidation},
		{"bad schedule", model.Order{Username: "abc", Symbol: "APPL", Quantity: 1, Schedule: &model.Schedule{IntervalMs: 10}}, model.ErrInvalidSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Submit(ctx, tt.o); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := New("hold", NewMemoryStore(0), &fakeExec{}, testConfig()); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected invalid side to be rejected, got %v", err)
	}
}

type recordingSink struct {
	mu         sync.Mutex
	events     []string
	dispatched []time.Time
}

func (r *recordingSink) Publish(_ context.Context, ev model.JobEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev.Type)
	if ev.Type == model.EventDispatched {
		r.dispatched = append(r.dispatched, ev.Job.LastDispatchedAt)
	}
	r.mu.Unlock()
}

func (r *recordingSink) dispatchTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.dispatched...)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type chanNotifier chan notification.Alert

func (c chanNotifier) Send(_ context.Context, a notification.Alert) error {
	c <- a
	return nil
}

func TestQueue_EventsAndFaultAlerts(t *testing.T) {
	exec := &fakeExec{result: func(e model.Execution) model.Result {
		return model.Failed(e.Token, "Price unavailable, please retry later.", model.ErrPriceUnavailable)
	}}
	sink := &recordingSink{}
	alerts := make(chanNotifier, 1)
	cfg := testConfig()
	cfg.Events = sink
	cfg.Notifier = alerts
	q := startQueue(t, model.SideBuy, NewMemoryStore(0), exec, cfg)

	job, _ := q.Submit(context.Background(), order("abc", "APPL", 1))
	waitJob(t, q, job.ID)

	select {
	case a := <-alerts:
		if a.Level != notification.AlertCritical || a.Fields["job_id"] != job.ID || a.Fields["error"] != model.KindPriceUnavailable {
			t.Errorf("unexpected alert %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an alert for the price fault")
	}

	want := []string{model.EventSubmitted, model.EventDispatched, model.EventCompleted}
	// The completion event is published right after the job is stored.
	deadline := time.Now().Add(time.Second)
	got := sink.types()
	for len(got) < len(want) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
		got = sink.types()
	}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestQueue_WithRedisJobStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := redis.NewWithClient(client, time.Hour, nil)

	exec := &fakeExec{}
	q := startQueue(t, model.SideSell, store, exec, testConfig())
	ctx := context.Background()

	o := order("abc", "APPL", 2)
	o.Schedule = &model.Schedule{IntervalMs: 20, Remaining: 2}
	recurring, err := q.Submit(ctx, o)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancelled, _ := q.Submit(ctx, order("abc", "APPL", 1))
	if _, err := q.Cancel(ctx, "abc", cancelled.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	done := waitJob(t, q, recurring.ID)
	if done.State != model.JobExhausted || len(done.History) != 2 {
		t.Fatalf("unexpected job %+v", done)
	}
	time.Sleep(60 * time.Millisecond)
	calls, _ := exec.snapshot()
	if len(calls) != 2 {
		t.Errorf("expected 2 executions (cancelled job never runs), got %d", len(calls))
	}
	if _, err := q.GetJob(ctx, "404"); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryStore_Retention(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	j := model.Job{ID: "1", Side: model.SideBuy, State: model.JobCompleted, UpdatedAt: now}
	s.Create(ctx, j)
	if _, err := s.Get(ctx, model.SideBuy, "1"); err != nil {
		t.Fatalf("terminal job must stay readable within retention: %v", err)
	}

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := s.Get(ctx, model.SideBuy, "1"); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("expected retention to evict the job, got %v", err)
	}
}
