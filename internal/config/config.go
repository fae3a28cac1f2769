// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config is built once at startup and passed to constructors. Nothing reads
// the process environment after Load returns.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	AMQPURL  string `env:"AMQP_URL"`
	RunQueue string `env:"RUN_QUEUE" envDefault:"campaign_runs"`

	// RunLeaseTTL is how long a dead process keeps its runs claimed.
	RunLeaseTTL time.Duration `env:"RUN_LEASE_TTL" envDefault:"1m"`

	Storage  StorageConfig
	Gateway  GatewayConfig
	Campaign CampaignConfig
	DataAPI  DataAPIConfig
	SendGrid SendGridConfig
	Invite   InviteConfig
	Roster   RosterConfig
}

type StorageConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `env:"DB_DRIVER" envDefault:"postgres"`
	DSN    string `env:"DATABASE_URL"`
}

type GatewayConfig struct {
	ReadTimeout    time.Duration `env:"GATEWAY_READ_TIMEOUT" envDefault:"2m"`
	SendTimeout    time.Duration `env:"GATEWAY_SEND_TIMEOUT" envDefault:"3m"`
	MaxAttempts    int           `env:"GATEWAY_MAX_ATTEMPTS" envDefault:"4"`
	InitialBackoff time.Duration `env:"GATEWAY_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"GATEWAY_MAX_BACKOFF" envDefault:"30s"`
	SendRate       float64       `env:"GATEWAY_SEND_RATE" envDefault:"10"`
	SendBurst      int           `env:"GATEWAY_SEND_BURST" envDefault:"5"`
}

type CampaignConfig struct {
	TierDelay  time.Duration `env:"CAMPAIGN_TIER_DELAY" envDefault:"2m"`
	PhaseDelay time.Duration `env:"CAMPAIGN_PHASE_DELAY" envDefault:"5m"`
	// ResendUnconfirmed re-issues sends whose outcome was never recorded.
	ResendUnconfirmed bool   `env:"RESEND_UNCONFIRMED" envDefault:"false"`
	TenantID          string `env:"PROVISION_TENANT_ID"`
}

type DataAPIConfig struct {
	BaseURL       string `env:"DATA_API_BASE_URL"`
	DBKey         string `env:"DATA_API_DB_KEY"`
	AccountsDBKey string `env:"DATA_API_ACCOUNTS_DB_KEY"`
	Token         string `env:"AUTH_STATIC_BEARER_TOKEN"`
}

type SendGridConfig struct {
	APIKey          string `env:"SENDGRID_API_KEY"`
	FromEmail       string `env:"SENDGRID_FROM_EMAIL"`
	FromName        string `env:"SENDGRID_FROM_NAME"`
	BrokerTemplate1 string `env:"SENDGRID_BROKER_TEMPLATE_1"`
	BrokerTemplate2 string `env:"SENDGRID_BROKER_TEMPLATE_2"`
	ClientTemplate1 string `env:"SENDGRID_CLIENT_TEMPLATE_1"`
	ClientTemplate2 string `env:"SENDGRID_CLIENT_TEMPLATE_2"`
	ClientTemplate3 string `env:"SENDGRID_CLIENT_TEMPLATE_3"`
	MemberTemplate1 string `env:"SENDGRID_MEMBER_TEMPLATE_1"`
	MemberTemplate2 string `env:"SENDGRID_MEMBER_TEMPLATE_2"`
	MemberTemplate3 string `env:"SENDGRID_MEMBER_TEMPLATE_3"`
	SafetyOverride  string `env:"SAFETY_EMAIL_OVERRIDE"`
	DryRun          bool   `env:"DRY_RUN" envDefault:"false"`
}

type InviteConfig struct {
	Secret string        `env:"INVITE_SIGNING_SECRET"`
	Origin string        `env:"INVITE_ORIGIN" envDefault:"https://www.attentivex.com"`
	TTL    time.Duration `env:"INVITE_TTL" envDefault:"336h"`
}

type RosterConfig struct {
	// Source is "sheets" or "csv".
	Source             string `env:"ROSTER_SOURCE" envDefault:"sheets"`
	SheetID            string `env:"SHEET_ID"`
	ServiceAccountFile string `env:"GOOGLE_SERVICE_ACCOUNT_FILE"`
	CSVDir             string `env:"ROSTER_CSV_DIR" envDefault:"."`
	ClientIDColumn     string `env:"ROSTER_CLIENT_ID_COLUMN" envDefault:"Client id"`
}

// Load reads .env (if present) and the process environment.
func Load(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on OS environment variables")
	}
	return Parse()
}

// Parse builds a Config from the current environment and validates it.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings every binary needs. Adapter specific
// settings are checked when the adapter is built.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Storage.Driver)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Gateway.ReadTimeout <= 0 || c.Gateway.SendTimeout <= 0 {
		return fmt.Errorf("gateway timeouts must be positive")
	}
	if c.Gateway.MaxBackoff < c.Gateway.InitialBackoff {
		return fmt.Errorf("GATEWAY_MAX_BACKOFF must not be below GATEWAY_INITIAL_BACKOFF")
	}
	if c.Campaign.TierDelay < 0 || c.Campaign.PhaseDelay < 0 {
		return fmt.Errorf("campaign delays must not be negative")
	}
	switch c.Roster.Source {
	case "sheets", "csv":
	default:
		return fmt.Errorf("ROSTER_SOURCE must be sheets or csv, got %q", c.Roster.Source)
	}
	return nil
}
