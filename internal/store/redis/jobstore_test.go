package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"

	"stockexchange-v1/internal/model"
)

func newTestStore(t *testing.T) (*JobStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, time.Hour, nil), mr
}

func newJob(id string, side model.Side, runAt time.Time, sched *model.Schedule) model.Job {
	return model.Job{
		ID:   id,
		Side: side,
		Order: model.Order{
			ID: id, Username: "abc", Symbol: "APPL", Quantity: 5, Side: side, Schedule: sched,
		},
		State:     model.JobPending,
		NextRunAt: runAt,
		CreatedAt: runAt,
		UpdatedAt: runAt,
	}
}

func TestJobStore_NextIDPerSide(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := s.NextID(ctx, model.SideBuy)
	b, _ := s.NextID(ctx, model.SideBuy)
	c, err := s.NextID(ctx, model.SideSell)
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if a != "1" || b != "2" || c != "1" {
		t.Errorf("expected 1, 2 and 1, got %s, %s, %s", a, b, c)
	}
}

func TestJobStore_CreateGetDue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	if err := s.Create(ctx, newJob("1", model.SideBuy, now.Add(-time.Second), nil)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, newJob("2", model.SideBuy, now.Add(time.Minute), nil)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	job, err := s.Get(ctx, model.SideBuy, "1")
	if err != nil || job.Order.Symbol != "APPL" || !job.NextRunAt.Equal(now.Add(-time.Second)) {
		t.Fatalf("unexpected job %+v (%v)", job, err)
	}
	if _, err := s.Get(ctx, model.SideSell, "1"); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("sides must not share ids, got %v", err)
	}

	due, err := s.Due(ctx, model.SideBuy, now, 10)
	if err != nil || len(due) != 1 || due[0] != "1" {
		t.Errorf("expected only job 1 due, got %v (%v)", due, err)
	}
	if n, _ := s.Pending(ctx, model.SideBuy); n != 2 {
		t.Errorf("expected 2 pending, got %d", n)
	}
}

func TestJobStore_ClaimCompleteLifecycle(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	s.Create(ctx, newJob("1", model.SideSell, now, nil))

	claimed, err := s.Update(ctx, model.SideSell, "1", func(j *model.Job) error {
		if !j.Claim(now, "tok", time.Second) {
			return errors.New("not due")
		}
		return nil
	})
	if err != nil || claimed.State != model.JobDispatched {
		t.Fatalf("claim: %+v (%v)", claimed, err)
	}
	if due, _ := s.Due(ctx, model.SideSell, now, 10); len(due) != 0 {
		t.Errorf("claimed job still due: %v", due)
	}
	if exp, _ := s.Expired(ctx, model.SideSell, now.Add(2*time.Second), 10); len(exp) != 1 {
		t.Errorf("expected lease to expire, got %v", exp)
	}
	if exp, _ := s.Expired(ctx, model.SideSell, now.Add(500*time.Millisecond), 10); len(exp) != 0 {
		t.Errorf("lease reported expired early: %v", exp)
	}

	done, err := s.Update(ctx, model.SideSell, "1", func(j *model.Job) error {
		return j.Complete("tok", model.Result{Success: true}, now, 10)
	})
	if err != nil || done.State != model.JobCompleted {
		t.Fatalf("complete: %+v (%v)", done, err)
	}
	if exp, _ := s.Expired(ctx, model.SideSell, now.Add(time.Hour), 10); len(exp) != 0 {
		t.Errorf("completed job still in flight: %v", exp)
	}
	if ttl := mr.TTL(jobKey(model.SideSell, "1")); ttl != time.Hour {
		t.Errorf("expected retention TTL of 1h on terminal job, got %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, model.SideSell, "1"); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("expected job to expire after retention, got %v", err)
	}
}

func TestJobStore_UpdateErrorWritesNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	s.Create(ctx, newJob("1", model.SideBuy, now, nil))

	boom := errors.New("boom")
	_, err := s.Update(ctx, model.SideBuy, "1", func(j *model.Job) error {
		j.Order.Quantity = 999
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	job, _ := s.Get(ctx, model.SideBuy, "1")
	if job.Order.Quantity != 5 {
		t.Errorf("failed update was persisted: %+v", job.Order)
	}

	if _, err := s.Update(ctx, model.SideBuy, "404", func(*model.Job) error { return nil }); !errors.Is(err, model.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobStore_ConcurrentClaimsSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	s.Create(ctx, newJob("1", model.SideBuy, now, nil))

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, model.SideBuy, "1", func(j *model.Job) error {
				if !j.Claim(now, "tok", time.Minute) {
					return errors.New("lost")
				}
				return nil
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected exactly one claim to win, got %d", wins.Load())
	}
}

func TestJobStore_StoreUnreachable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), model.SideBuy, "1")
	if !errors.Is(err, model.ErrStore) {
		t.Errorf("expected ErrStore, got %v", err)
	}
}

func TestEventPublisher_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	pub := NewEventPublisher(s.Client(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.JobEvent, 4)
	ready := make(chan struct{})
	go func() {
		// Subscribe confirms the subscription before entering its loop.
		close(ready)
		pub.Subscribe(ctx, out)
	}()
	<-ready

	job := newJob("9", model.SideSell, time.Now(), nil)
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		// Publish until the subscriber is attached.
		pub.Publish(ctx, model.JobEvent{Type: model.EventSubmitted, Job: job, At: time.Now()})
		select {
		case ev := <-out:
			if ev.Type != model.EventSubmitted || ev.Job.ID != "9" || ev.Job.Side != model.SideSell {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}
