package provision_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/provision"
)

func TestMintInvitation(t *testing.T) {
	m, err := provision.NewMinter("s3cret", "https://portal.test/", 0)
	require.NoError(t, err)

	issued := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	link, err := m.Mint("m@x.com", "tenant-1", issued)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(link, "https://portal.test/confirm-invitation?token="))

	again, err := m.Mint("m@x.com", "tenant-1", issued)
	require.NoError(t, err)
	assert.Equal(t, link, again, "same inputs mint the same link")

	token := strings.TrimPrefix(link, "https://portal.test/confirm-invitation?token=")
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	require.NoError(t, err)

	assert.Equal(t, "m@x.com", claims["email"])
	assert.Equal(t, true, claims["set_new_pw"])
	assert.Equal(t, "tenant-1", claims["company_id"])
	assert.Equal(t, "https://portal.test", claims["origin"])
	assert.Equal(t, []any{"HEALTHCARE_PORTAL", "HEALTHCARE_MOBILE"}, claims["applications"])
	assert.Equal(t, float64(issued.Unix()), claims["iat"])
	assert.Equal(t, float64(issued.Add(14*24*time.Hour).Unix()), claims["exp"])
}

func TestNewMinterRequiresSecret(t *testing.T) {
	_, err := provision.NewMinter(" ", "https://portal.test", time.Hour)
	assert.Error(t, err)
}

func TestProvisionAccountsIsRepeatable(t *testing.T) {
	var (
		mu      sync.Mutex
		userIDs = map[string]bool{}
		inserts []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crud", r.URL.Path)
		assert.Equal(t, "accounts-db", r.URL.Query().Get("db"))
		var body struct {
			Operation string         `json:"operation"`
			Table     string         `json:"table"`
			Fields    map[string]any `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		mu.Lock()
		defer mu.Unlock()
		inserts = append(inserts, body.Fields)
		id := body.Fields["user_id"].(string)
		if userIDs[id] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		userIDs[id] = true
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	c, err := provision.NewAccountsClient(srv.URL, "accounts-db", "tok", zap.NewNop())
	require.NoError(t, err)

	first, err := c.ProvisionAccounts(context.Background(), "m@x.com", "tenant-1", "key-1")
	require.NoError(t, err)
	second, err := c.ProvisionAccounts(context.Background(), "m@x.com", "tenant-1", "key-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first.PortalID, 24)
	assert.True(t, strings.HasPrefix(first.MobileID, "cm"))
	assert.NotEqual(t, first.PortalID, first.MobileID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, inserts, 4)
	assert.Equal(t, "INVITED", inserts[0]["status"])
	assert.Equal(t, "HEALTHCARE_PORTAL", inserts[0]["application"])
	assert.Equal(t, "HEALTHCARE_MOBILE", inserts[1]["application"])
	assert.Len(t, userIDs, 2)
}

func TestProvisionAccountsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := provision.NewAccountsClient(srv.URL, "accounts-db", "tok", zap.NewNop())
	require.NoError(t, err)

	_, err = c.ProvisionAccounts(context.Background(), "m@x.com", "tenant-1", "key-1")
	require.Error(t, err)
	assert.True(t, appErrors.IsTransient(err))
}
