package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/model"
)

// MemoryRunRepository keeps runs in process memory, for tests and local
// CLI runs.
type MemoryRunRepository struct {
	mu   sync.Mutex
	runs map[string]model.Run
}

func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{runs: make(map[string]model.Run)}
}

func (r *MemoryRunRepository) Create(ctx context.Context, run *model.Run) (*model.Run, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.runs[run.ID]; ok {
		if existing.Input != run.Input {
			return nil, false, appErrors.ErrRunConflict
		}
		return &existing, false, nil
	}
	now := time.Now().UTC()
	if run.Status == "" {
		run.Status = model.RunRunning
	}
	run.CreatedAt, run.UpdatedAt = now, now
	r.runs[run.ID] = *run
	return run, true, nil
}

func (r *MemoryRunRepository) GetByID(ctx context.Context, runID string) (*model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, appErrors.NewRunNotFound(runID)
	}
	return &run, nil
}

func (r *MemoryRunRepository) ListByStatus(ctx context.Context, status model.RunStatus) ([]*model.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var runs []*model.Run
	for _, run := range r.runs {
		run := run
		if run.Status == status {
			runs = append(runs, &run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func (r *MemoryRunRepository) UpdateStatus(ctx context.Context, runID string, status model.RunStatus, result *model.CampaignResult, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return appErrors.NewRunNotFound(runID)
	}
	run.Status = status
	run.Result = result
	run.LastError = lastError
	run.UpdatedAt = time.Now().UTC()
	r.runs[runID] = run
	return nil
}

func (r *MemoryRunRepository) AcquireLease(ctx context.Context, runID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return false, appErrors.NewRunNotFound(runID)
	}
	if run.LeaseOwner != owner && now.Before(run.LeaseExpiresAt) {
		return false, nil
	}
	run.LeaseOwner = owner
	run.LeaseExpiresAt = now.Add(ttl)
	r.runs[runID] = run
	return true, nil
}

func (r *MemoryRunRepository) ReleaseLease(ctx context.Context, runID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || run.LeaseOwner != owner {
		return nil
	}
	run.LeaseExpiresAt = time.Time{}
	r.runs[runID] = run
	return nil
}

var _ RunRepositoryInterface = (*MemoryRunRepository)(nil)
