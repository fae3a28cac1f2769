package roster_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/broker-notify/internal/gateway"
	"github.com/unclebandit/broker-notify/internal/model"
	"github.com/unclebandit/broker-notify/internal/roster"
)

type fakeBrokers struct {
	brokers map[int][]int
	fail    map[int]error
	calls   []int
}

func (f *fakeBrokers) lookup(_ context.Context, clientID int) ([]int, error) {
	f.calls = append(f.calls, clientID)
	if err, ok := f.fail[clientID]; ok {
		return nil, err
	}
	return f.brokers[clientID], nil
}

func rows(ids ...string) []model.RosterRow {
	out := make([]model.RosterRow, len(ids))
	for i, id := range ids {
		out[i] = model.RosterRow{ClientID: id}
	}
	return out
}

func TestReconcileRejectsInvalidAndUnknown(t *testing.T) {
	fake := &fakeBrokers{brokers: map[int][]int{7: {101}}}
	r := roster.NewReconciler(zaptest.NewLogger(t))

	rec, err := r.Reconcile(context.Background(), rows("abc", "7", "8"), []int{7}, fake.lookup)
	require.NoError(t, err)

	want := []model.EntityOutcome{
		{EntityID: model.InvalidEntityID, Status: model.StatusSkipped, Detail: "invalid client id"},
		{EntityID: 8, Status: model.StatusSkipped, Detail: "client_id not found in DB"},
	}
	if diff := cmp.Diff(want, rec.Outcomes); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{7}, rec.Clients)
	assert.Equal(t, []int{7}, fake.calls, "only valid clients are looked up")
	assert.Equal(t, []int{101}, rec.Fanout.Brokers())
}

func TestReconcileDeduplicatesInFirstSeenOrder(t *testing.T) {
	fake := &fakeBrokers{brokers: map[int][]int{
		3: {200, 100},
		1: {100},
		2: {300},
	}}
	r := roster.NewReconciler(zaptest.NewLogger(t))

	rec, err := r.Reconcile(context.Background(), rows(" 3 ", "1", "3", "2", "1"), []int{1, 2, 3}, fake.lookup)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 1, 2}, rec.Clients)
	assert.Equal(t, []int{3, 1, 2}, fake.calls, "each client is looked up once")
	assert.Empty(t, rec.Outcomes)

	assert.Equal(t, []int{200, 100, 300}, rec.Fanout.Brokers())
	assert.Equal(t, []int{3, 1}, rec.Fanout.Clients(100))
	assert.Equal(t, []int{3}, rec.Fanout.Clients(200))
	assert.Equal(t, []int{2}, rec.Fanout.Clients(300))
}

func TestReconcileKeepsClientsWithoutBroker(t *testing.T) {
	fake := &fakeBrokers{
		brokers: map[int][]int{4: nil},
		fail: map[int]error{
			5: &gateway.Failure{Operation: "list_broker_ids", Attempts: 4, Err: errors.New("503")},
		},
	}
	r := roster.NewReconciler(zaptest.NewLogger(t))

	rec, err := r.Reconcile(context.Background(), rows("4", "5"), []int{4, 5}, fake.lookup)
	require.NoError(t, err)

	assert.Equal(t, []int{4, 5}, rec.Clients)
	assert.Zero(t, rec.Fanout.Len())
	want := []model.EntityOutcome{
		{EntityID: 4, Status: model.StatusNotFound, Detail: "no broker mapping"},
		{EntityID: 5, Status: model.StatusNotFound, Detail: "list_broker_ids failed: 503"},
	}
	if diff := cmp.Diff(want, rec.Outcomes); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileAbortsOnStoreError(t *testing.T) {
	boom := errors.New("checkpoint store unavailable")
	fake := &fakeBrokers{fail: map[int]error{1: boom}}
	r := roster.NewReconciler(zaptest.NewLogger(t))

	_, err := r.Reconcile(context.Background(), rows("1"), []int{1}, fake.lookup)
	assert.ErrorIs(t, err, boom)
}
