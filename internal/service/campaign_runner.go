package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/broker-notify/internal/email"
	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/eventlog"
	"github.com/unclebandit/broker-notify/internal/gateway"
	"github.com/unclebandit/broker-notify/internal/lookup"
	"github.com/unclebandit/broker-notify/internal/model"
	"github.com/unclebandit/broker-notify/internal/provision"
	"github.com/unclebandit/broker-notify/internal/roster"
	"github.com/unclebandit/broker-notify/internal/timer"
)

// Detail strings recorded on entity outcomes.
const (
	DetailNoClientEmails  = "no client contact emails found"
	DetailNoActiveMembers = "no ACTIVE members found for client_id"
)

// Phases is the number of campaign waves.
const Phases = 3

// InviteMinter signs member invitation links.
type InviteMinter interface {
	Mint(recipient, tenantID string, issuedAt time.Time) (string, error)
}

// RunnerDeps are the collaborators of a CampaignRunner.
type RunnerDeps struct {
	Store       eventlog.Store
	Roster      roster.Source
	Directory   lookup.Directory
	Sender      email.Sender
	Provisioner provision.Provisioner
	Minter      InviteMinter
	Gateway     *gateway.Gateway
	Timer       *timer.Timer
	// Clock stamps invitations. Defaults to the system clock.
	Clock timer.Clock
}

type RunnerConfig struct {
	TierDelay  time.Duration
	PhaseDelay time.Duration
	// ResendUnconfirmed re-invokes sends whose intent was recorded without an
	// outcome, reusing the idempotency key.
	ResendUnconfirmed bool
	TenantID          string
}

// CampaignRunner drives one run through reconciliation and the three
// phases. Every external call and every delay is a checkpointed step, so
// Run can be called again after a crash and only executes what is missing.
type CampaignRunner struct {
	deps       RunnerDeps
	cfg        RunnerConfig
	reconciler *roster.Reconciler
	logger     *zap.Logger
}

func NewCampaignRunner(deps RunnerDeps, cfg RunnerConfig, logger *zap.Logger) (*CampaignRunner, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("runner needs a checkpoint store")
	case deps.Roster == nil:
		return nil, fmt.Errorf("runner needs a roster source")
	case deps.Directory == nil:
		return nil, fmt.Errorf("runner needs a directory")
	case deps.Sender == nil:
		return nil, fmt.Errorf("runner needs an email sender")
	case deps.Provisioner == nil || deps.Minter == nil:
		return nil, fmt.Errorf("runner needs a provisioner and an invite minter")
	case deps.Gateway == nil || deps.Timer == nil:
		return nil, fmt.Errorf("runner needs a gateway and a timer")
	}
	if deps.Clock == nil {
		deps.Clock = timer.SystemClock
	}
	return &CampaignRunner{
		deps:       deps,
		cfg:        cfg,
		reconciler: roster.NewReconciler(logger),
		logger:     logger,
	}, nil
}

// campaign is the state of one Run call. outcomes only grows.
type campaign struct {
	*CampaignRunner
	exec     *execution
	input    model.CampaignInput
	outcomes []model.EntityOutcome
	names    map[int]string
}

// Run executes or resumes runID and returns its result. Cancelling ctx stops
// the run at the next step boundary; the step in flight completes first.
func (r *CampaignRunner) Run(ctx context.Context, runID string, input model.CampaignInput) (*model.CampaignResult, error) {
	c := &campaign{
		CampaignRunner: r,
		exec: &execution{
			runID:  runID,
			log:    eventlog.NewLog(r.deps.Store, runID),
			gw:     r.deps.Gateway,
			logger: r.logger,
		},
		input: input,
		names: make(map[int]string),
	}
	logger := r.logger.With(zap.String("run_id", runID))
	logger.Info("campaign run started", zap.String("roster_source_id", input.RosterSourceID))

	rec, err := c.reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	c.outcomes = append(c.outcomes, rec.Outcomes...)

	for phase := 1; phase <= Phases; phase++ {
		if phase > 1 {
			if err := c.delay(ctx, phaseDelayStep(phase-1), r.cfg.PhaseDelay); err != nil {
				return nil, err
			}
		}
		logger.Info("phase started", zap.Int("phase", phase))
		if err := c.runPhase(ctx, phase, rec); err != nil {
			return nil, fmt.Errorf("phase %d: %w", phase, err)
		}
	}

	result := Aggregate(runID, input.RosterSourceID, c.outcomes)
	logger.Info("campaign run completed", zap.Any("stats", result.Stats))
	return result, nil
}

func (c *campaign) reconcile(ctx context.Context) (*roster.Reconciliation, error) {
	rows, err := requiredStep(ctx, c.exec, reconcileStep("fetch_rows"),
		gateway.Call{Operation: "fetch_rows", Class: gateway.ClassRead},
		func(ctx context.Context) ([]model.RosterRow, error) {
			return c.deps.Roster.FetchRows(ctx, c.input.RosterSourceID)
		})
	if err != nil {
		return nil, err
	}

	known, err := requiredStep(ctx, c.exec, reconcileStep("list_known_client_ids"),
		gateway.Call{Operation: "list_known_client_ids", Class: gateway.ClassRead},
		c.deps.Directory.ListKnownClientIDs)
	if err != nil {
		return nil, err
	}

	return c.reconciler.Reconcile(ctx, rows, known, func(ctx context.Context, clientID int) ([]int, error) {
		return step(ctx, c.exec, reconcileClientStep(clientID, "list_broker_ids"),
			gateway.Call{Operation: "list_broker_ids", Class: gateway.ClassRead},
			func(ctx context.Context) ([]int, error) {
				return c.deps.Directory.ListBrokerIDs(ctx, clientID)
			})
	})
}

func (c *campaign) runPhase(ctx context.Context, phase int, rec *roster.Reconciliation) error {
	tiers := []string{TierBroker, TierClient, TierMember}
	if phase == Phases {
		tiers = tiers[1:]
	}
	for i, tier := range tiers {
		if i > 0 {
			if err := c.delay(ctx, tierDelayStep(phase, tiers[i-1]), c.cfg.TierDelay); err != nil {
				return err
			}
		}
		var err error
		switch tier {
		case TierBroker:
			err = c.brokerTier(ctx, phase, rec.Fanout)
		case TierClient:
			err = c.clientTier(ctx, phase, rec.Clients)
		case TierMember:
			err = c.memberTier(ctx, phase, rec.Clients)
		}
		if err != nil {
			return fmt.Errorf("%s tier: %w", tier, err)
		}
	}
	return nil
}

func (c *campaign) delay(ctx context.Context, stepID string, d time.Duration) error {
	if err := c.exec.checkStop(ctx); err != nil {
		return err
	}
	if err := c.deps.Timer.Suspend(ctx, c.exec.log, stepID, d); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		}
		return err
	}
	return nil
}

func (c *campaign) record(o model.EntityOutcome) {
	if o.Status != model.StatusSent {
		c.logger.Info("entity outcome",
			zap.String("run_id", c.exec.runID),
			zap.Int("entity_id", o.EntityID),
			zap.String("status", string(o.Status)),
			zap.String("detail", o.Detail),
		)
	}
	c.outcomes = append(c.outcomes, o)
}

func (c *campaign) brokerTier(ctx context.Context, phase int, fanout *model.BrokerFanout) error {
	tmpl, err := email.TemplateFor(TierBroker, phase)
	if err != nil {
		return err
	}
	prefix := fmt.Sprintf("phase%d_broker_email", phase)

	for _, brokerID := range fanout.Brokers() {
		brokerID := brokerID
		clients := fanout.Clients(brokerID)
		base := entityBase(phase, TierBroker, brokerID)

		to, err := step(ctx, c.exec, withOp(base, "get_broker_email"),
			gateway.Call{Operation: "get_broker_email", Class: gateway.ClassRead},
			func(ctx context.Context) (string, error) {
				return c.deps.Directory.GetBrokerEmail(ctx, brokerID)
			})
		if err != nil {
			failure, ok := asFailure(err)
			if !ok {
				return err
			}
			for _, clientID := range clients {
				c.record(model.EntityOutcome{EntityID: clientID, Status: model.StatusNotFound, Detail: failureDetail(failure)})
			}
			continue
		}
		if to == "" {
			for _, clientID := range clients {
				c.record(model.EntityOutcome{EntityID: clientID, Status: model.StatusNotFound, Detail: fmt.Sprintf("no email for broker %d", brokerID)})
			}
			continue
		}

		names, err := c.clientNames(ctx, clients)
		if err != nil {
			return err
		}
		data := brokerTemplateData(c.input, brokerID, clients, names)
		key := IdempotencyKey(c.exec.runID, phase, TierBroker, brokerID, to)

		res, err := sendStep(ctx, c.exec, base, key, c.cfg.ResendUnconfirmed,
			gateway.Call{Operation: "send_email", Class: gateway.ClassSend},
			func(ctx context.Context) (int, error) {
				return c.deps.Sender.Send(ctx, to, tmpl, data, key)
			})
		if err != nil {
			return err
		}
		for _, clientID := range clients {
			c.record(sendOutcome(clientID, prefix, "", res, key))
		}
	}
	return nil
}

// clientNames resolves display names once per client per run. A failed
// lookup leaves the name empty.
func (c *campaign) clientNames(ctx context.Context, clients []int) ([]string, error) {
	names := make([]string, len(clients))
	for i, clientID := range clients {
		clientID := clientID
		if name, ok := c.names[clientID]; ok {
			names[i] = name
			continue
		}
		name, err := step(ctx, c.exec, clientStep(clientID, "get_display_name"),
			gateway.Call{Operation: "get_client_display_name", Class: gateway.ClassRead},
			func(ctx context.Context) (string, error) {
				return c.deps.Directory.GetClientDisplayName(ctx, clientID)
			})
		if err != nil {
			if _, ok := asFailure(err); !ok {
				return nil, err
			}
			c.logger.Warn("client display name unavailable", zap.Int("client_id", clientID), zap.Error(err))
		}
		c.names[clientID] = name
		names[i] = name
	}
	return names, nil
}

func (c *campaign) clientTier(ctx context.Context, phase int, clients []int) error {
	tmpl, err := email.TemplateFor(TierClient, phase)
	if err != nil {
		return err
	}

	for _, clientID := range clients {
		clientID := clientID
		emails, err := step(ctx, c.exec, withOp(entityBase(phase, TierClient, clientID), "get_client_contact_emails"),
			gateway.Call{Operation: "get_client_contact_emails", Class: gateway.ClassRead},
			func(ctx context.Context) ([]string, error) {
				return c.deps.Directory.GetClientContactEmails(ctx, clientID)
			})
		if err != nil {
			failure, ok := asFailure(err)
			if !ok {
				return err
			}
			c.record(model.EntityOutcome{EntityID: clientID, Status: model.StatusNotFound, Detail: failureDetail(failure)})
			continue
		}
		if len(emails) == 0 {
			c.record(model.EntityOutcome{EntityID: clientID, Status: model.StatusNotFound, Detail: DetailNoClientEmails})
			continue
		}

		data := clientTemplateData(c.input, clientID)
		for i, to := range emails {
			to := to
			key := IdempotencyKey(c.exec.runID, phase, TierClient, clientID, to)
			res, err := sendStep(ctx, c.exec, recipientBase(phase, TierClient, clientID, i), key, c.cfg.ResendUnconfirmed,
				gateway.Call{Operation: "send_email", Class: gateway.ClassSend},
				func(ctx context.Context) (int, error) {
					return c.deps.Sender.Send(ctx, to, tmpl, data, key)
				})
			if err != nil {
				return err
			}
			c.record(sendOutcome(clientID, fmt.Sprintf("phase%d_client_email:%s", phase, to), "", res, key))
		}
	}
	return nil
}

type invitation struct {
	URL      string    `json:"url"`
	IssuedAt time.Time `json:"issued_at"`
}

func (c *campaign) memberTier(ctx context.Context, phase int, clients []int) error {
	tmpl, err := email.TemplateFor(TierMember, phase)
	if err != nil {
		return err
	}

	for _, clientID := range clients {
		clientID := clientID
		emails, err := step(ctx, c.exec, withOp(entityBase(phase, TierMember, clientID), "list_active_member_emails"),
			gateway.Call{Operation: "list_active_member_emails", Class: gateway.ClassRead},
			func(ctx context.Context) ([]string, error) {
				return c.deps.Directory.ListActiveMemberEmails(ctx, clientID)
			})
		if err != nil {
			failure, ok := asFailure(err)
			if !ok {
				return err
			}
			c.record(model.EntityOutcome{EntityID: clientID, Status: model.StatusNotFound, Detail: failureDetail(failure)})
			continue
		}
		if len(emails) == 0 {
			c.record(model.EntityOutcome{EntityID: clientID, Status: model.StatusSkipped, Detail: DetailNoActiveMembers})
			continue
		}

		for i, to := range emails {
			to := to
			base := recipientBase(phase, TierMember, clientID, i)
			prefix := fmt.Sprintf("phase%d_member_email:%s", phase, to)
			key := IdempotencyKey(c.exec.runID, phase, TierMember, clientID, to)

			var (
				inviteURL string
				suffix    string
			)
			if phase == Phases {
				accounts, inv, failure, err := c.provisionMember(ctx, base, to, key)
				if err != nil {
					return err
				}
				if failure != nil {
					c.record(model.EntityOutcome{EntityID: clientID, Status: model.StatusFailed, Detail: prefix + ":" + failureDetail(failure)})
					continue
				}
				inviteURL = inv.URL
				suffix = fmt.Sprintf(":portal=%s:mobile=%s", accounts.PortalID, accounts.MobileID)
			}

			data := memberTemplateData(c.input, clientID, inviteURL)
			res, err := sendStep(ctx, c.exec, base, key, c.cfg.ResendUnconfirmed,
				gateway.Call{Operation: "send_email", Class: gateway.ClassSend},
				func(ctx context.Context) (int, error) {
					return c.deps.Sender.Send(ctx, to, tmpl, data, key)
				})
			if err != nil {
				return err
			}
			c.record(sendOutcome(clientID, prefix, suffix, res, key))
		}
	}
	return nil
}

// provisionMember creates the member's accounts and invitation link. The
// accounts are keyed by the send's idempotency key, so re-issuing after a
// crash recreates nothing. The invitation time is read from the clock once
// and then lives in the checkpoint.
func (c *campaign) provisionMember(ctx context.Context, base, to, key string) (provision.Accounts, invitation, *gateway.Failure, error) {
	accounts, err := step(ctx, c.exec, withOp(base, "provision_accounts"),
		gateway.Call{Operation: "provision_accounts", Class: gateway.ClassSend, IdempotencyKey: key},
		func(ctx context.Context) (provision.Accounts, error) {
			return c.deps.Provisioner.ProvisionAccounts(ctx, to, c.cfg.TenantID, key)
		})
	if err != nil {
		failure, ok := asFailure(err)
		if !ok {
			return provision.Accounts{}, invitation{}, nil, err
		}
		return provision.Accounts{}, invitation{}, failure, nil
	}

	inv, err := step(ctx, c.exec, withOp(base, "mint_invitation"),
		gateway.Call{Operation: "mint_invitation", Class: gateway.ClassRead},
		func(ctx context.Context) (invitation, error) {
			issued := c.deps.Clock.Now().UTC().Truncate(time.Second)
			url, err := c.deps.Minter.Mint(to, c.cfg.TenantID, issued)
			if err != nil {
				return invitation{}, appErrors.Permanent(err)
			}
			return invitation{URL: url, IssuedAt: issued}, nil
		})
	if err != nil {
		failure, ok := asFailure(err)
		if !ok {
			return provision.Accounts{}, invitation{}, nil, err
		}
		return provision.Accounts{}, invitation{}, failure, nil
	}
	return accounts, inv, nil, nil
}

func asFailure(err error) (*gateway.Failure, bool) {
	var failure *gateway.Failure
	ok := errors.As(err, &failure)
	return failure, ok
}

func failureDetail(f *gateway.Failure) string {
	return fmt.Sprintf("%s failed: %v", f.Operation, f.Err)
}

func sendOutcome(entityID int, prefix, suffix string, res sendRecord, key string) model.EntityOutcome {
	switch {
	case res.Unknown:
		return model.EntityOutcome{EntityID: entityID, Status: model.StatusSkipped, Detail: fmt.Sprintf("%s:outcome unknown (key=%s)", prefix, key)}
	case res.Failure != nil:
		return model.EntityOutcome{EntityID: entityID, Status: model.StatusFailed, Detail: prefix + ":" + failureDetail(res.Failure.failure())}
	default:
		return model.EntityOutcome{EntityID: entityID, Status: model.StatusSent, Detail: fmt.Sprintf("%s:%d%s", prefix, res.StatusCode, suffix)}
	}
}
