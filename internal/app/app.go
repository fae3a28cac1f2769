// Package app builds the object graph shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/unclebandit/broker-notify/internal/config"
	"github.com/unclebandit/broker-notify/internal/db"
	"github.com/unclebandit/broker-notify/internal/email"
	"github.com/unclebandit/broker-notify/internal/eventlog"
	"github.com/unclebandit/broker-notify/internal/gateway"
	"github.com/unclebandit/broker-notify/internal/lookup"
	"github.com/unclebandit/broker-notify/internal/provision"
	"github.com/unclebandit/broker-notify/internal/queue"
	"github.com/unclebandit/broker-notify/internal/repository"
	"github.com/unclebandit/broker-notify/internal/roster"
	"github.com/unclebandit/broker-notify/internal/service"
	"github.com/unclebandit/broker-notify/internal/timer"
)

// App owns the database and the broker connection.
type App struct {
	DB       *db.DB
	Service  *service.CampaignService
	Registry *prometheus.Registry
	// AMQP is set when the config names a broker.
	AMQP *queue.AMQPQueue
}

// Build connects storage and every adapter and assembles the run service.
// The service has no queue; callers attach one with UseQueue.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	database, err := db.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, logger)
	if err != nil {
		return nil, err
	}

	a := &App{DB: database, Registry: prometheus.NewRegistry()}
	runner, err := buildRunner(ctx, cfg, database, a.Registry, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	a.Service = &service.CampaignService{
		RunRepo: &repository.RunRepository{DB: database},
		Store:   eventlog.NewSQLStore(database),
		Runner:   runner,
		Topic:    cfg.RunQueue,
		Logger:   logger,
		LeaseTTL: cfg.RunLeaseTTL,
	}
	return a, nil
}

// OpenStore connects storage only, for read-side commands.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	database, err := db.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, logger)
	if err != nil {
		return nil, err
	}
	return &App{
		DB: database,
		Service: &service.CampaignService{
			RunRepo: &repository.RunRepository{DB: database},
			Store:   eventlog.NewSQLStore(database),
			Logger:  logger,
		},
	}, nil
}

// UseQueue dispatches runs through AMQP when AMQP_URL is set and through
// an in-process queue otherwise.
func (a *App) UseQueue(cfg *config.Config, logger *zap.Logger) (queue.Queue, error) {
	if cfg.AMQPURL == "" {
		q := queue.NewInMemoryQueue(logger)
		a.Service.Queue = q
		return q, nil
	}
	q, err := queue.NewAMQPQueue(cfg.AMQPURL, logger)
	if err != nil {
		return nil, err
	}
	a.AMQP = q
	a.Service.Queue = q
	return q, nil
}

func (a *App) Close() error {
	var errs []error
	if a.AMQP != nil {
		errs = append(errs, a.AMQP.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}

func buildRunner(ctx context.Context, cfg *config.Config, database *db.DB, reg prometheus.Registerer, logger *zap.Logger) (*service.CampaignRunner, error) {
	source, err := buildRoster(ctx, cfg.Roster)
	if err != nil {
		return nil, err
	}

	directory, err := lookup.NewClient(cfg.DataAPI.BaseURL, cfg.DataAPI.DBKey, cfg.DataAPI.Token, logger)
	if err != nil {
		return nil, err
	}

	sender, err := buildSender(cfg.SendGrid, logger)
	if err != nil {
		return nil, err
	}

	accountsKey := cfg.DataAPI.AccountsDBKey
	if accountsKey == "" {
		accountsKey = cfg.DataAPI.DBKey
	}
	provisioner, err := provision.NewAccountsClient(cfg.DataAPI.BaseURL, accountsKey, cfg.DataAPI.Token, logger)
	if err != nil {
		return nil, err
	}

	minter, err := provision.NewMinter(cfg.Invite.Secret, cfg.Invite.Origin, cfg.Invite.TTL)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(gateway.Policy{
		ReadTimeout:    cfg.Gateway.ReadTimeout,
		SendTimeout:    cfg.Gateway.SendTimeout,
		MaxAttempts:    cfg.Gateway.MaxAttempts,
		InitialBackoff: cfg.Gateway.InitialBackoff,
		MaxBackoff:     cfg.Gateway.MaxBackoff,
		SendRate:       cfg.Gateway.SendRate,
		SendBurst:      cfg.Gateway.SendBurst,
	}, logger, gateway.WithMetrics(gateway.NewMetrics(reg)))

	return service.NewCampaignRunner(service.RunnerDeps{
		Store:       eventlog.NewSQLStore(database),
		Roster:      source,
		Directory:   directory,
		Sender:      sender,
		Provisioner: provisioner,
		Minter:      minter,
		Gateway:     gw,
		Timer:       timer.New(timer.SystemClock, logger),
	}, service.RunnerConfig{
		TierDelay:         cfg.Campaign.TierDelay,
		PhaseDelay:        cfg.Campaign.PhaseDelay,
		ResendUnconfirmed: cfg.Campaign.ResendUnconfirmed,
		TenantID:          cfg.Campaign.TenantID,
	}, logger)
}

func buildRoster(ctx context.Context, cfg config.RosterConfig) (roster.Source, error) {
	switch cfg.Source {
	case "csv":
		return &roster.CSVSource{Dir: cfg.CSVDir, IDColumn: cfg.ClientIDColumn}, nil
	case "sheets":
		return roster.NewSheetsSource(ctx, cfg.SheetID, cfg.ServiceAccountFile, cfg.ClientIDColumn)
	default:
		return nil, fmt.Errorf("unknown roster source %q", cfg.Source)
	}
}

func buildSender(cfg config.SendGridConfig, logger *zap.Logger) (email.Sender, error) {
	if cfg.DryRun {
		logger.Warn("DRY_RUN enabled, emails are logged and not sent")
		return &email.LogSender{Logger: logger}, nil
	}
	return email.NewSendGridSender(email.SendGridOptions{
		APIKey:         cfg.APIKey,
		FromEmail:      cfg.FromEmail,
		FromName:       cfg.FromName,
		Templates:      email.TemplateIDs(cfg),
		SafetyOverride: cfg.SafetyOverride,
	}, logger)
}
