package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/broker-notify/internal/db"
	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/model"
)

type RunRepositoryInterface interface {
	// Create stores a new run. If the id exists it returns the stored run
	// and created=false; a different input yields ErrRunConflict.
	Create(ctx context.Context, run *model.Run) (stored *model.Run, created bool, err error)
	GetByID(ctx context.Context, runID string) (*model.Run, error)
	// ListByStatus returns the runs in status, oldest first.
	ListByStatus(ctx context.Context, status model.RunStatus) ([]*model.Run, error)
	UpdateStatus(ctx context.Context, runID string, status model.RunStatus, result *model.CampaignResult, lastError string) error
	// AcquireLease claims runID for owner until now+ttl. It succeeds when
	// the lease is expired or already held by owner, so the holder renews
	// by calling it again.
	AcquireLease(ctx context.Context, runID, owner string, now time.Time, ttl time.Duration) (bool, error)
	// ReleaseLease expires owner's lease on runID. It is a no-op when
	// another owner holds the run.
	ReleaseLease(ctx context.Context, runID, owner string) error
}

type RunRepository struct {
	DB *db.DB
}

func (r *RunRepository) Create(ctx context.Context, run *model.Run) (*model.Run, bool, error) {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	if run.Status == "" {
		run.Status = model.RunRunning
	}

	query := r.DB.Dialect.Rebind(`
		INSERT INTO campaign_runs (run_id, input, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?)
		ON CONFLICT (run_id) DO NOTHING
	`)
	res, err := r.DB.SQL.ExecContext(ctx, query, run.ID, string(input), string(run.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if inserted > 0 {
		run.CreatedAt, run.UpdatedAt = now, now
		return run, true, nil
	}

	existing, err := r.GetByID(ctx, run.ID)
	if err != nil {
		return nil, false, err
	}
	if existing.Input != run.Input {
		return nil, false, appErrors.ErrRunConflict
	}
	return existing, false, nil
}

const runColumns = `run_id, input, status, result, last_error, created_at, updated_at, lease_owner, lease_expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		run                  model.Run
		input                string
		result               sql.NullString
		status               string
		createdAt, updatedAt int64
		leaseExpiresAt       int64
	)
	if err := row.Scan(&run.ID, &input, &status, &result, &run.LastError, &createdAt, &updatedAt, &run.LeaseOwner, &leaseExpiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(input), &run.Input); err != nil {
		return nil, fmt.Errorf("decode input of run %s: %w", run.ID, err)
	}
	if result.Valid && result.String != "" {
		run.Result = &model.CampaignResult{}
		if err := json.Unmarshal([]byte(result.String), run.Result); err != nil {
			return nil, fmt.Errorf("decode result of run %s: %w", run.ID, err)
		}
	}
	run.Status = model.RunStatus(status)
	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	run.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if leaseExpiresAt > 0 {
		run.LeaseExpiresAt = time.UnixMilli(leaseExpiresAt).UTC()
	}
	return &run, nil
}

func (r *RunRepository) GetByID(ctx context.Context, runID string) (*model.Run, error) {
	query := r.DB.Dialect.Rebind(`SELECT ` + runColumns + ` FROM campaign_runs WHERE run_id=?`)
	run, err := scanRun(r.DB.SQL.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewRunNotFound(runID)
		}
		return nil, err
	}
	return run, nil
}

func (r *RunRepository) ListByStatus(ctx context.Context, status model.RunStatus) ([]*model.Run, error) {
	query := r.DB.Dialect.Rebind(`SELECT ` + runColumns + ` FROM campaign_runs WHERE status=? ORDER BY created_at, run_id`)
	rows, err := r.DB.SQL.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s runs: %w", status, err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *RunRepository) UpdateStatus(ctx context.Context, runID string, status model.RunStatus, result *model.CampaignResult, lastError string) error {
	var encoded sql.NullString
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		encoded = sql.NullString{String: string(raw), Valid: true}
	}

	query := r.DB.Dialect.Rebind(`UPDATE campaign_runs SET status=?, result=?, last_error=?, updated_at=? WHERE run_id=?`)
	res, err := r.DB.SQL.ExecContext(ctx, query, string(status), encoded, lastError, time.Now().UTC().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewRunNotFound(runID)
	}
	return nil
}

func (r *RunRepository) AcquireLease(ctx context.Context, runID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	query := r.DB.Dialect.Rebind(`
		UPDATE campaign_runs SET lease_owner=?, lease_expires_at=?
		WHERE run_id=? AND (lease_owner=? OR lease_expires_at<=?)
	`)
	res, err := r.DB.SQL.ExecContext(ctx, query, owner, now.Add(ttl).UnixMilli(), runID, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("lease run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, runID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *RunRepository) ReleaseLease(ctx context.Context, runID, owner string) error {
	query := r.DB.Dialect.Rebind(`UPDATE campaign_runs SET lease_expires_at=0 WHERE run_id=? AND lease_owner=?`)
	if _, err := r.DB.SQL.ExecContext(ctx, query, runID, owner); err != nil {
		return fmt.Errorf("release run %s: %w", runID, err)
	}
	return nil
}

var _ RunRepositoryInterface = (*RunRepository)(nil)
