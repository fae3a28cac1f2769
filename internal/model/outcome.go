// internal/model/outcome.go
package model

// OutcomeStatus is the terminal status of one entity-level step.
type OutcomeStatus string

const (
	StatusSent     OutcomeStatus = "sent"
	StatusSkipped  OutcomeStatus = "skipped"
	StatusNotFound OutcomeStatus = "not_found"
	// StatusFailed marks a send or provisioning call that exhausted its retries.
	StatusFailed OutcomeStatus = "failed"
)

// InvalidEntityID is recorded for roster rows whose client id does not parse.
const InvalidEntityID = -1

// EntityOutcome is appended once per (phase, tier, entity[, recipient]) and
// never rewritten.
type EntityOutcome struct {
	EntityID int           `json:"entity_id"`
	Status   OutcomeStatus `json:"status"`
	Detail   string        `json:"detail"`
}

// CampaignResult is the terminal artifact of a run.
type CampaignResult struct {
	RunID          string          `json:"run_id"`
	RosterSourceID string          `json:"roster_source_id"`
	Outcomes       []EntityOutcome `json:"outcomes"`
	Stats          map[string]int  `json:"stats"`
}
