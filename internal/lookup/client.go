// Package lookup queries the system of record through its data API.
package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
)

// Directory is what a campaign needs to know about clients, brokers and
// members.
type Directory interface {
	ListKnownClientIDs(ctx context.Context) ([]int, error)
	ListBrokerIDs(ctx context.Context, clientID int) ([]int, error)
	// GetBrokerEmail returns "" when the broker has no email.
	GetBrokerEmail(ctx context.Context, brokerID int) (string, error)
	GetClientContactEmails(ctx context.Context, clientID int) ([]string, error)
	GetClientDisplayName(ctx context.Context, clientID int) (string, error)
	ListActiveMemberEmails(ctx context.Context, clientID int) ([]string, error)
}

// Client talks to POST {base}/select?db=<key>.
type Client struct {
	BaseURL    string
	DBKey      string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewClient(baseURL, dbKey, token string, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("DATA_API_BASE_URL is required")
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		DBKey:      dbKey,
		Token:      token,
		HTTPClient: &http.Client{},
		Logger:     logger,
	}, nil
}

type selectRequest struct {
	Table   string         `json:"table"`
	Columns []string       `json:"columns"`
	Filters map[string]any `json:"filters"`
}

type selectResponse struct {
	Rows   []map[string]any `json:"rows"`
	Result []map[string]any `json:"result"`
}

// Select returns the matching rows. The API answers under either "rows" or
// "result".
func (c *Client) Select(ctx context.Context, table string, columns []string, filters map[string]any) ([]map[string]any, error) {
	if filters == nil {
		filters = map[string]any{}
	}
	body, err := json.Marshal(selectRequest{Table: table, Columns: columns, Filters: filters})
	if err != nil {
		return nil, appErrors.Permanent(err)
	}

	endpoint := c.BaseURL + "/select?" + url.Values{"db": {c.DBKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, appErrors.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &appErrors.StatusError{Operation: "select " + table, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out selectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode select %s: %w", table, err)
	}
	if out.Rows != nil {
		return out.Rows, nil
	}
	return out.Result, nil
}

func (c *Client) ListKnownClientIDs(ctx context.Context) ([]int, error) {
	rows, err := c.Select(ctx, "clients", []string{"id"}, nil)
	if err != nil {
		return nil, err
	}
	return intColumn(rows, "id")
}

func (c *Client) ListBrokerIDs(ctx context.Context, clientID int) ([]int, error) {
	rows, err := c.Select(ctx, "clients_to_brokers", []string{"broker_id"}, map[string]any{"client_id": clientID})
	if err != nil {
		return nil, err
	}
	return intColumn(rows, "broker_id")
}

func (c *Client) GetBrokerEmail(ctx context.Context, brokerID int) (string, error) {
	rows, err := c.Select(ctx, "brokers", []string{"email"}, map[string]any{"id": brokerID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return strings.TrimSpace(stringValue(rows[0]["email"])), nil
}

func (c *Client) GetClientContactEmails(ctx context.Context, clientID int) ([]string, error) {
	rows, err := c.Select(ctx, "client_contacts", []string{"email"}, map[string]any{"client_id": clientID})
	if err != nil {
		return nil, err
	}
	return stringColumn(rows, "email"), nil
}

func (c *Client) GetClientDisplayName(ctx context.Context, clientID int) (string, error) {
	rows, err := c.Select(ctx, "clients", []string{"client_name"}, map[string]any{"id": clientID})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return stringValue(rows[0]["client_name"]), nil
}

// ListActiveMemberEmails returns the emails of members whose current status
// is ACTIVE. Members without an id or email are ignored.
func (c *Client) ListActiveMemberEmails(ctx context.Context, clientID int) ([]string, error) {
	members, err := c.Select(ctx, "members", []string{"id", "email"}, map[string]any{"client_id": clientID})
	if err != nil {
		return nil, err
	}

	var active []string
	for _, m := range members {
		memberID := stringValue(m["id"])
		email := strings.TrimSpace(stringValue(m["email"]))
		if memberID == "" || email == "" {
			c.Logger.Debug("skipping member without id or email", zap.Int("client_id", clientID))
			continue
		}

		statuses, err := c.Select(ctx, "current_member_status_view", []string{"member_status"}, map[string]any{"member_id": m["id"]})
		if err != nil {
			return nil, err
		}
		for _, s := range statuses {
			if stringValue(s["member_status"]) == "ACTIVE" {
				active = append(active, email)
				break
			}
		}
	}
	return active, nil
}

func intColumn(rows []map[string]any, column string) ([]int, error) {
	out := make([]int, 0, len(rows))
	for _, r := range rows {
		raw := stringValue(r[column])
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, appErrors.Permanent(fmt.Errorf("column %s: %q is not an integer", column, raw))
		}
		out = append(out, n)
	}
	return out, nil
}

func stringColumn(rows []map[string]any, column string) []string {
	var out []string
	for _, r := range rows {
		if v := strings.TrimSpace(stringValue(r[column])); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

var _ Directory = (*Client)(nil)
