// Package eventlog is the append-only checkpoint store that makes a campaign
// run resumable. Values are keyed by (run id, step id) and never overwritten.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unclebandit/broker-notify/internal/model"
)

// Store persists checkpoints for any number of runs. Runs never see each
// other's entries.
type Store interface {
	// Get returns the recorded value and whether it exists.
	Get(ctx context.Context, runID, stepID string) ([]byte, bool, error)
	// Put appends value. Re-putting an identical value is a no-op; a
	// different value yields an ErrConsistencyFault.
	Put(ctx context.Context, runID, stepID string, value []byte) error
	// List returns a run's checkpoints in append order.
	List(ctx context.Context, runID string) ([]model.Checkpoint, error)
}

// Log is a Store bound to one run, with JSON encoding of values.
type Log struct {
	store Store
	runID string
}

func NewLog(store Store, runID string) *Log {
	return &Log{store: store, runID: runID}
}

func (l *Log) RunID() string {
	return l.runID
}

func (l *Log) Has(ctx context.Context, stepID string) (bool, error) {
	_, ok, err := l.store.Get(ctx, l.runID, stepID)
	return ok, err
}

// Get decodes the value recorded for stepID into v.
func (l *Log) Get(ctx context.Context, stepID string, v any) (bool, error) {
	raw, ok, err := l.store.Get(ctx, l.runID, stepID)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode checkpoint %s: %w", stepID, err)
	}
	return true, nil
}

// Put encodes v and records it under stepID.
func (l *Log) Put(ctx context.Context, stepID string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", stepID, err)
	}
	return l.store.Put(ctx, l.runID, stepID, raw)
}

func (l *Log) List(ctx context.Context) ([]model.Checkpoint, error) {
	return l.store.List(ctx, l.runID)
}
