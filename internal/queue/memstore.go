package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"stockexchange-v1/internal/model"
)

// Compile-time check that MemoryStore implements model.JobStore.
var _ model.JobStore = (*MemoryStore)(nil)

// MemoryStore is a process-local JobStore for JOB_STORE=memory and tests.
// Jobs do not survive a restart. Terminal jobs are dropped once they have
// been terminal for longer than the retention.
type MemoryStore struct {
	mu        sync.Mutex
	seq       map[model.Side]int64
	jobs      map[model.Side]map[string]model.Job
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates an empty store. A zero retention keeps terminal
// jobs forever.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		seq:       make(map[model.Side]int64),
		jobs:      make(map[model.Side]map[string]model.Job),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) NextID(_ context.Context, side model.Side) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[side]++
	return strconv.FormatInt(s.seq[side], 10), nil
}

func (s *MemoryStore) Create(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobs[job.Side]
	if !ok {
		m = make(map[string]model.Job)
		s.jobs[job.Side] = m
	}
	m[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, side model.Side, id string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.lookup(side, id)
	if !ok {
		return model.Job{}, model.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, side model.Side, id string, fn func(job *model.Job) error) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.lookup(side, id)
	if !ok {
		return model.Job{}, model.ErrJobNotFound
	}
	next := job.Clone()
	if err := fn(&next); err != nil {
		return model.Job{}, err
	}
	s.jobs[side][id] = next.Clone()
	return next, nil
}

func (s *MemoryStore) Due(_ context.Context, side model.Side, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan(side, limit, func(j *model.Job) (time.Time, bool) {
		return j.NextRunAt, j.Due(now)
	}), nil
}

func (s *MemoryStore) Expired(_ context.Context, side model.Side, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan(side, limit, func(j *model.Job) (time.Time, bool) {
		return j.LeaseUntil, j.LeaseExpired(now)
	}), nil
}

func (s *MemoryStore) Pending(_ context.Context, side model.Side) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs[side] {
		if j.State == model.JobPending {
			n++
		}
	}
	return n, nil
}

// lookup returns the job, evicting it if its retention ran out.
func (s *MemoryStore) lookup(side model.Side, id string) (model.Job, bool) {
	job, ok := s.jobs[side][id]
	if !ok {
		return model.Job{}, false
	}
	if s.expired(&job) {
		delete(s.jobs[side], id)
		return model.Job{}, false
	}
	return job, true
}

func (s *MemoryStore) expired(j *model.Job) bool {
	return s.retention > 0 && j.State.Terminal() && !j.InFlight() &&
		s.now().Sub(j.UpdatedAt) > s.retention
}

// scan returns up to limit ids matching pick, ordered by the returned time.
func (s *MemoryStore) scan(side model.Side, limit int, pick func(j *model.Job) (time.Time, bool)) []string {
	type entry struct {
		id string
		at time.Time
	}
	var matches []entry
	for id, j := range s.jobs[side] {
		if s.expired(&j) {
			delete(s.jobs[side], id)
			continue
		}
		if at, ok := pick(&j); ok {
			matches = append(matches, entry{id: id, at: at})
		}
	}
	sort.Slice(matches, func(a, b int) bool { return matches[a].at.Before(matches[b].at) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}
	return ids
}
