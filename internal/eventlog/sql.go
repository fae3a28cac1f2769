package eventlog

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/unclebandit/broker-notify/internal/db"
	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/model"
)

// SQLStore keeps checkpoints in the campaign_checkpoints table on Postgres
// or SQLite.
type SQLStore struct {
	db *db.DB
}

func NewSQLStore(d *db.DB) *SQLStore {
	return &SQLStore{db: d}
}

func (s *SQLStore) Get(ctx context.Context, runID, stepID string) ([]byte, bool, error) {
	query := s.db.Dialect.Rebind(`SELECT value FROM campaign_checkpoints WHERE run_id=? AND step_id=?`)
	var value []byte
	err := s.db.SQL.QueryRowContext(ctx, query, runID, stepID).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get checkpoint %s: %w", stepID, err)
	}
	return value, true, nil
}

// Put inserts the checkpoint, relying on UNIQUE(run_id, step_id) so two
// writers can never both record a step.
func (s *SQLStore) Put(ctx context.Context, runID, stepID string, value []byte) error {
	query := s.db.Dialect.Rebind(`
		INSERT INTO campaign_checkpoints (run_id, step_id, value, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO NOTHING
	`)
	res, err := s.db.SQL.ExecContext(ctx, query, runID, stepID, value, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", stepID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", stepID, err)
	}
	if inserted > 0 {
		return nil
	}

	existing, ok, err := s.Get(ctx, runID, stepID)
	if err != nil {
		return err
	}
	if ok && bytes.Equal(existing, value) {
		return nil
	}
	return appErrors.NewConsistencyFault(runID, stepID)
}

func (s *SQLStore) List(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	query := s.db.Dialect.Rebind(`
		SELECT seq, run_id, step_id, value, created_at
		FROM campaign_checkpoints
		WHERE run_id=?
		ORDER BY seq
	`)
	rows, err := s.db.SQL.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		var createdAt int64
		if err := rows.Scan(&cp.Seq, &cp.RunID, &cp.StepID, &cp.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func sortBySeq(cps []model.Checkpoint) {
	sort.Slice(cps, func(i, j int) bool { return cps[i].Seq < cps[j].Seq })
}

var _ Store = (*SQLStore)(nil)
