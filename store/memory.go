package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/use-agent/scrapeflow/models"
)

// MemoryStore is a process-local Repository. It loses all jobs on restart
// and is meant for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*models.Job
	maxPageSize int
}

// NewMemoryStore creates an empty in-memory repository.
func NewMemoryStore(maxPageSize int) *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.Job),
		maxPageSize: maxPageSize,
	}
}

func (s *MemoryStore) Create(ctx context.Context, spec models.JobSpec) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	job, err := newJob(spec, uuid.NewString(), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	return job.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound(id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, q ListQuery) ([]*models.Job, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	q, err := q.Normalize(s.maxPageSize)
	if err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	matched := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if q.Status == "" || j.Status == q.Status {
			matched = append(matched, j.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		if matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].ID > matched[b].ID
		}
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := int64(len(matched))
	start := q.Offset()
	if start >= len(matched) {
		return []*models.Job{}, total, nil
	}
	end := start + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*models.Job, 0)
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, expected, next models.Status, upd Update) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := checkTransition(expected, next); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, models.ErrNotFound(id)
	}
	if job.Status != expected {
		return false, nil
	}
	// Work on a copy so the caller's pointers never alias stored state.
	updated := job.Clone()
	upd.apply(updated)
	updated.Status = next
	updated.UpdatedAt = time.Now().UTC()
	s.jobs[id] = updated.Clone()
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }
