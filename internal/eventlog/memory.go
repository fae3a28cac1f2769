package eventlog

import (
	"bytes"
	"context"
	"sync"
	"time"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/model"
)

// MemoryStore keeps checkpoints in process memory. Used by tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	seq  int64
	runs map[string]map[string]model.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[string]model.Checkpoint)}
}

func (m *MemoryStore) Get(ctx context.Context, runID, stepID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.runs[runID][stepID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), cp.Value...), true, nil
}

func (m *MemoryStore) Put(ctx context.Context, runID, stepID string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.runs[runID]
	if !ok {
		steps = make(map[string]model.Checkpoint)
		m.runs[runID] = steps
	}
	if existing, ok := steps[stepID]; ok {
		if bytes.Equal(existing.Value, value) {
			return nil
		}
		return appErrors.NewConsistencyFault(runID, stepID)
	}
	m.seq++
	steps[stepID] = model.Checkpoint{
		Seq:       m.seq,
		RunID:     runID,
		StepID:    stepID,
		Value:     append([]byte(nil), value...),
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Checkpoint, 0, len(m.runs[runID]))
	for _, cp := range m.runs[runID] {
		out = append(out, cp)
	}
	sortBySeq(out)
	return out, nil
}

// Len reports how many checkpoints runID holds.
func (m *MemoryStore) Len(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs[runID])
}

// Truncate keeps only the first n checkpoints of runID, simulating a crash
// after the n-th step was recorded.
func (m *MemoryStore) Truncate(runID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.runs[runID]
	all := make([]model.Checkpoint, 0, len(steps))
	for _, cp := range steps {
		all = append(all, cp)
	}
	sortBySeq(all)
	for i := n; i < len(all); i++ {
		delete(steps, all[i].StepID)
	}
}

// Delete removes a single step, simulating a crash between two writes.
func (m *MemoryStore) Delete(runID, stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs[runID], stepID)
}

var _ Store = (*MemoryStore)(nil)
