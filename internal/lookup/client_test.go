package lookup_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/lookup"
)

type selectCall struct {
	Table   string         `json:"table"`
	Columns []string       `json:"columns"`
	Filters map[string]any `json:"filters"`
}

type recorder struct {
	mu    sync.Mutex
	calls []selectCall
}

func (r *recorder) Calls() []selectCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]selectCall(nil), r.calls...)
}

// fakeDataAPI answers /select from a table of canned responses keyed by
// table name and the JSON of the filters.
func fakeDataAPI(t *testing.T, responses map[string]string) (*lookup.Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/select", r.URL.Path)
		assert.Equal(t, "main", r.URL.Query().Get("db"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var call selectCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		rec.mu.Lock()
		rec.calls = append(rec.calls, call)
		rec.mu.Unlock()

		filters, _ := json.Marshal(call.Filters)
		body, ok := responses[call.Table+" "+string(filters)]
		if !ok {
			body = `{"rows": []}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	c, err := lookup.NewClient(srv.URL+"/", "main", "secret", zap.NewNop())
	require.NoError(t, err)
	return c, rec
}

func TestListKnownClientIDsAcceptsResultKey(t *testing.T) {
	c, calls := fakeDataAPI(t, map[string]string{
		`clients {}`: `{"result": [{"id": 7}, {"id": "9"}, {"id": null}]}`,
	})

	ids, err := c.ListKnownClientIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{7, 9}, ids)
	assert.Equal(t, []string{"id"}, calls.Calls()[0].Columns)
}

func TestBrokerLookups(t *testing.T) {
	c, _ := fakeDataAPI(t, map[string]string{
		`clients_to_brokers {"client_id":7}`: `{"rows": [{"broker_id": 101}, {"broker_id": 102}]}`,
		`brokers {"id":101}`:                 `{"rows": [{"email": " b@x.com "}]}`,
	})
	ctx := context.Background()

	brokers, err := c.ListBrokerIDs(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102}, brokers)

	email, err := c.GetBrokerEmail(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", email)

	email, err = c.GetBrokerEmail(ctx, 102)
	require.NoError(t, err)
	assert.Empty(t, email)
}

func TestClientLookups(t *testing.T) {
	c, _ := fakeDataAPI(t, map[string]string{
		`client_contacts {"client_id":7}`: `{"rows": [{"email": "a@c.com"}, {"email": ""}, {"email": "b@c.com"}]}`,
		`clients {"id":7}`:                `{"rows": [{"client_name": "Acme"}]}`,
	})
	ctx := context.Background()

	emails, err := c.GetClientContactEmails(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@c.com", "b@c.com"}, emails)

	name, err := c.GetClientDisplayName(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Acme", name)
}

func TestListActiveMemberEmailsFiltersByStatus(t *testing.T) {
	c, calls := fakeDataAPI(t, map[string]string{
		`members {"client_id":9}`:                     `{"rows": [{"id": 1, "email": "one@m.com"}, {"id": 2, "email": "two@m.com"}, {"id": 3, "email": ""}]}`,
		`current_member_status_view {"member_id":1}`: `{"rows": [{"member_status": "ACTIVE"}]}`,
		`current_member_status_view {"member_id":2}`: `{"rows": [{"member_status": "TERMINATED"}]}`,
	})

	emails, err := c.ListActiveMemberEmails(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, []string{"one@m.com"}, emails)
	assert.Len(t, calls.Calls(), 3, "members without email are not looked up")
}

func TestSelectReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c, err := lookup.NewClient(srv.URL, "main", "secret", zap.NewNop())
	require.NoError(t, err)

	_, err = c.ListBrokerIDs(context.Background(), 1)
	var status *appErrors.StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusServiceUnavailable, status.Code)
	assert.True(t, appErrors.IsTransient(err))
}
