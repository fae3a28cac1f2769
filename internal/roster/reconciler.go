package roster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/unclebandit/broker-notify/internal/gateway"
	"github.com/unclebandit/broker-notify/internal/model"
)

const (
	DetailInvalidClientID = "invalid client id"
	DetailUnknownClient   = "client_id not found in DB"
	DetailNoBrokerMapping = "no broker mapping"
)

// BrokerLookup returns the brokers serving a client. A *gateway.Failure is
// recorded on the client; any other error aborts reconciliation.
type BrokerLookup func(ctx context.Context, clientID int) ([]int, error)

// Reconciliation is everything the phases need from the roster.
type Reconciliation struct {
	// Clients are the validated client ids in first-seen order, without
	// duplicates. Clients without a broker stay here for the client and
	// member tiers.
	Clients []int
	Fanout  *model.BrokerFanout
	// Outcomes are the rejects, in roster order.
	Outcomes []model.EntityOutcome
}

type Reconciler struct {
	logger *zap.Logger
}

func NewReconciler(logger *zap.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// Reconcile validates every row against known and builds the broker
// fan-out. Rows with an unparseable id are rejected without lookups.
func (r *Reconciler) Reconcile(ctx context.Context, rows []model.RosterRow, known []int, lookup BrokerLookup) (*Reconciliation, error) {
	knownSet := make(map[int]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
	}

	rec := &Reconciliation{Fanout: model.NewBrokerFanout()}
	seen := make(map[int]struct{})

	for i, row := range rows {
		clientID, err := strconv.Atoi(strings.TrimSpace(row.ClientID))
		if err != nil {
			r.logger.Warn("roster row has invalid client id",
				zap.Int("row", i+1), zap.String("value", row.ClientID))
			rec.Outcomes = append(rec.Outcomes, model.EntityOutcome{
				EntityID: model.InvalidEntityID,
				Status:   model.StatusSkipped,
				Detail:   DetailInvalidClientID,
			})
			continue
		}

		if _, ok := knownSet[clientID]; !ok {
			r.logger.Warn("roster client not in system of record", zap.Int("client_id", clientID))
			rec.Outcomes = append(rec.Outcomes, model.EntityOutcome{
				EntityID: clientID,
				Status:   model.StatusSkipped,
				Detail:   DetailUnknownClient,
			})
			continue
		}

		if _, dup := seen[clientID]; dup {
			continue
		}
		seen[clientID] = struct{}{}
		rec.Clients = append(rec.Clients, clientID)

		brokers, err := lookup(ctx, clientID)
		if err != nil {
			var failure *gateway.Failure
			if !errors.As(err, &failure) {
				return nil, err
			}
			rec.Outcomes = append(rec.Outcomes, model.EntityOutcome{
				EntityID: clientID,
				Status:   model.StatusNotFound,
				Detail:   fmt.Sprintf("%s failed: %v", failure.Operation, failure.Err),
			})
			continue
		}
		if len(brokers) == 0 {
			rec.Outcomes = append(rec.Outcomes, model.EntityOutcome{
				EntityID: clientID,
				Status:   model.StatusNotFound,
				Detail:   DetailNoBrokerMapping,
			})
			continue
		}
		for _, brokerID := range brokers {
			rec.Fanout.Add(brokerID, clientID)
		}
	}

	r.logger.Info("roster reconciled",
		zap.Int("rows", len(rows)),
		zap.Int("clients", len(rec.Clients)),
		zap.Int("brokers", rec.Fanout.Len()),
		zap.Int("rejected", len(rec.Outcomes)),
	)
	return rec, nil
}
