// internal/model/run.go
package model

import "time"

// RunStatus is the externally visible lifecycle of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type Run struct {
	ID        string          `db:"run_id" json:"run_id"`
	Input     CampaignInput   `db:"input" json:"input"`
	Status    RunStatus       `db:"status" json:"status"`
	Result    *CampaignResult `db:"result" json:"result,omitempty"`
	LastError string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
	// LeaseOwner is the executor that last claimed the run. The claim is
	// valid until LeaseExpiresAt.
	LeaseOwner     string    `db:"lease_owner" json:"-"`
	LeaseExpiresAt time.Time `db:"lease_expires_at" json:"-"`
}

// LeaseHeld reports whether an executor holds the run at now.
func (r *Run) LeaseHeld(now time.Time) bool {
	return r.LeaseOwner != "" && now.Before(r.LeaseExpiresAt)
}

// Abandoned reports whether the run was claimed once and nobody holds it
// any more: its executor stopped or died.
func (r *Run) Abandoned(now time.Time) bool {
	return r.LeaseOwner != "" && !r.LeaseHeld(now)
}

// Checkpoint is one recorded step of a run.
type Checkpoint struct {
	Seq       int64     `db:"seq" json:"seq"`
	RunID     string    `db:"run_id" json:"run_id"`
	StepID    string    `db:"step_id" json:"step_id"`
	Value     []byte    `db:"value" json:"value"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
