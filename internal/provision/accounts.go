// Package provision creates member accounts and invitation links for the
// final campaign phase.
package provision

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
)

// Accounts are the two invited accounts of one member.
type Accounts struct {
	PortalID string `json:"portal_id"`
	MobileID string `json:"mobile_id"`
}

// Provisioner creates the accounts of a member. Calls with the same
// idempotency key create the same accounts.
type Provisioner interface {
	ProvisionAccounts(ctx context.Context, recipient, tenantID, idempotencyKey string) (Accounts, error)
}

// AccountsClient inserts accounts through POST {base}/crud?db=<key>.
type AccountsClient struct {
	BaseURL    string
	DBKey      string
	Token      string
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *zap.Logger
}

func NewAccountsClient(baseURL, dbKey, token string, logger *zap.Logger) (*AccountsClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("DATA_API_BASE_URL is required")
	}
	if dbKey == "" {
		return nil, fmt.Errorf("DATA_API_ACCOUNTS_DB_KEY is required")
	}
	return &AccountsClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		DBKey:      dbKey,
		Token:      token,
		HTTPClient: &http.Client{},
		Now:        time.Now,
		Logger:     logger,
	}, nil
}

type crudRequest struct {
	Operation string         `json:"operation"`
	Table     string         `json:"table"`
	Fields    map[string]any `json:"fields"`
}

// AccountID derives a cuid-shaped account id from the idempotency key, so a
// repeated insert collides instead of creating a second account.
func AccountID(idempotencyKey, application string) string {
	sum := sha256.Sum256([]byte(idempotencyKey + "|" + application))
	return "cm" + hex.EncodeToString(sum[:])[:22]
}

func (c *AccountsClient) ProvisionAccounts(ctx context.Context, recipient, tenantID, idempotencyKey string) (Accounts, error) {
	accounts := Accounts{
		PortalID: AccountID(idempotencyKey, "HEALTHCARE_PORTAL"),
		MobileID: AccountID(idempotencyKey, "HEALTHCARE_MOBILE"),
	}
	now := c.Now().UTC().Format(time.RFC3339)

	for _, acc := range []struct{ id, application string }{
		{accounts.PortalID, "HEALTHCARE_PORTAL"},
		{accounts.MobileID, "HEALTHCARE_MOBILE"},
	} {
		req := crudRequest{
			Operation: "insert",
			Table:     "accounts",
			Fields: map[string]any{
				"id":          nil,
				"email":       recipient,
				"status":      "INVITED",
				"user_id":     acc.id,
				"company_id":  tenantID,
				"created_at":  now,
				"updated_at":  now,
				"application": acc.application,
			},
		}
		if err := c.insert(ctx, req); err != nil {
			return Accounts{}, err
		}
	}
	return accounts, nil
}

func (c *AccountsClient) insert(ctx context.Context, body crudRequest) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return appErrors.Permanent(err)
	}
	endpoint := c.BaseURL + "/crud?" + url.Values{"db": {c.DBKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return appErrors.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		c.Logger.Info("account already provisioned",
			zap.String("user_id", fmt.Sprint(body.Fields["user_id"])),
			zap.String("application", fmt.Sprint(body.Fields["application"])),
		)
		return nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &appErrors.StatusError{Operation: "insert account", Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}

var _ Provisioner = (*AccountsClient)(nil)
