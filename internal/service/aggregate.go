package service

import (
	"github.com/unclebandit/broker-notify/internal/model"
)

// Aggregate builds the final result. The outcomes are copied in order and
// counted per status, with "total" holding the overall count.
func Aggregate(runID, rosterSourceID string, outcomes []model.EntityOutcome) *model.CampaignResult {
	out := make([]model.EntityOutcome, len(outcomes))
	copy(out, outcomes)

	stats := map[string]int{
		"total":                      len(out),
		string(model.StatusSent):     0,
		string(model.StatusSkipped):  0,
		string(model.StatusNotFound): 0,
		string(model.StatusFailed):   0,
	}
	for _, o := range out {
		stats[string(o.Status)]++
	}

	return &model.CampaignResult{
		RunID:          runID,
		RosterSourceID: rosterSourceID,
		Outcomes:       out,
		Stats:          stats,
	}
}
