package roster_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/unclebandit/broker-notify/internal/roster"
)

func sheetsServer(t *testing.T, body string, gotRange *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/v4/spreadsheets/sheet-1/values/"
		if len(r.URL.Path) <= len(prefix) || r.URL.Path[:len(prefix)] != prefix {
			http.NotFound(w, r)
			return
		}
		*gotRange = r.URL.Path[len(prefix):]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSheetsSource(t *testing.T, srv *httptest.Server) *roster.SheetsSource {
	t.Helper()
	src, err := roster.NewSheetsSourceWithOptions(context.Background(), "sheet-1", "",
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return src
}

func TestSheetsSourceReadsTab(t *testing.T) {
	var gotRange string
	srv := sheetsServer(t, `{
		"range": "'Launch'!A1:B4",
		"majorDimension": "ROWS",
		"values": [["Client Name", "Client id"], ["Acme", "7"], [], ["Globex", 8]]
	}`, &gotRange)

	got, err := newSheetsSource(t, srv).FetchRows(context.Background(), "Launch")
	require.NoError(t, err)

	assert.Equal(t, "'Launch'", gotRange)
	require.Len(t, got, 2, "empty rows are dropped")
	assert.Equal(t, "7", got[0].ClientID)
	assert.Equal(t, "Acme", got[0].Columns["Client Name"])
	assert.Equal(t, "8", got[1].ClientID, "numeric cells are rendered as text")
}

func TestSheetsSourceQuotesTabName(t *testing.T) {
	var gotRange string
	srv := sheetsServer(t, `{"values": [["Client id"], ["7"]]}`, &gotRange)

	_, err := newSheetsSource(t, srv).FetchRows(context.Background(), "O'Brien batch")
	require.NoError(t, err)
	assert.Equal(t, "'O''Brien batch'", gotRange)
}

func TestSheetsSourceReportsAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"code": 404, "message": "Unable to parse range"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newSheetsSource(t, srv).FetchRows(context.Background(), "missing")
	assert.ErrorContains(t, err, `read sheet tab "missing"`)
}

func TestNewSheetsSourceRequiresSheetID(t *testing.T) {
	_, err := roster.NewSheetsSourceWithOptions(context.Background(), "", "", option.WithoutAuthentication())
	assert.ErrorContains(t, err, "SHEET_ID")
}
