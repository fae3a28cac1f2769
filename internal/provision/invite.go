package provision

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultInviteTTL is how long an invitation link stays valid.
const DefaultInviteTTL = 14 * 24 * time.Hour

// Applications lists the products an invited member gets access to.
var Applications = []string{"HEALTHCARE_PORTAL", "HEALTHCARE_MOBILE"}

// inviteClaims is the token body the confirm-invitation page expects.
type inviteClaims struct {
	jwt.RegisteredClaims
	Email        string   `json:"email"`
	SetNewPW     bool     `json:"set_new_pw"`
	Applications []string `json:"applications"`
	CompanyID    string   `json:"company_id"`
	Origin       string   `json:"origin"`
}

// Minter signs invitation links. Minting is a pure function of its inputs,
// so a replayed step produces the same link.
type Minter struct {
	secret []byte
	origin string
	ttl    time.Duration
}

func NewMinter(secret, origin string, ttl time.Duration) (*Minter, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("INVITE_SIGNING_SECRET is required")
	}
	if _, err := url.ParseRequestURI(origin); err != nil {
		return nil, fmt.Errorf("invalid INVITE_ORIGIN %q: %w", origin, err)
	}
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	return &Minter{secret: []byte(secret), origin: strings.TrimRight(origin, "/"), ttl: ttl}, nil
}

// Mint returns {origin}/confirm-invitation?token=<jwt> for recipient.
func (m *Minter) Mint(recipient, tenantID string, issuedAt time.Time) (string, error) {
	claims := inviteClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(m.ttl)),
		},
		Email:        recipient,
		SetNewPW:     true,
		Applications: Applications,
		CompanyID:    tenantID,
		Origin:       m.origin,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign invitation: %w", err)
	}
	return m.origin + "/confirm-invitation?token=" + token, nil
}
