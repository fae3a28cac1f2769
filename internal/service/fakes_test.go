package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/broker-notify/internal/email"
	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/eventlog"
	"github.com/unclebandit/broker-notify/internal/gateway"
	"github.com/unclebandit/broker-notify/internal/model"
	"github.com/unclebandit/broker-notify/internal/provision"
	"github.com/unclebandit/broker-notify/internal/queue"
	"github.com/unclebandit/broker-notify/internal/service"
	"github.com/unclebandit/broker-notify/internal/timer"
	"github.com/unclebandit/broker-notify/internal/timer/timertest"
)

type fakeRoster struct {
	rows []model.RosterRow
}

func (f *fakeRoster) FetchRows(ctx context.Context, sourceID string) ([]model.RosterRow, error) {
	return f.rows, nil
}

func rows(ids ...string) []model.RosterRow {
	out := make([]model.RosterRow, len(ids))
	for i, id := range ids {
		out[i] = model.RosterRow{ClientID: id}
	}
	return out
}

type fakeDirectory struct {
	mu           sync.Mutex
	known        []int
	brokers      map[int][]int
	brokerEmails map[int]string
	contacts     map[int][]string
	names        map[int]string
	members      map[int][]string
	// failing operations return a permanent error
	failing map[string]bool
	calls   []string
}

func newDirectory() *fakeDirectory {
	return &fakeDirectory{
		brokers:      map[int][]int{},
		brokerEmails: map[int]string{},
		contacts:     map[int][]string{},
		names:        map[int]string{},
		members:      map[int][]string{},
		failing:      map[string]bool{},
	}
}

func (f *fakeDirectory) called(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if f.failing[op] {
		return appErrors.Permanent(errors.New("lookup unavailable"))
	}
	return nil
}

func (f *fakeDirectory) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDirectory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeDirectory) ListKnownClientIDs(ctx context.Context) ([]int, error) {
	return f.known, f.called("list_known_client_ids")
}

func (f *fakeDirectory) ListBrokerIDs(ctx context.Context, clientID int) ([]int, error) {
	return f.brokers[clientID], f.called("list_broker_ids")
}

func (f *fakeDirectory) GetBrokerEmail(ctx context.Context, brokerID int) (string, error) {
	return f.brokerEmails[brokerID], f.called("get_broker_email")
}

func (f *fakeDirectory) GetClientContactEmails(ctx context.Context, clientID int) ([]string, error) {
	return f.contacts[clientID], f.called("get_client_contact_emails")
}

func (f *fakeDirectory) GetClientDisplayName(ctx context.Context, clientID int) (string, error) {
	return f.names[clientID], f.called("get_client_display_name")
}

func (f *fakeDirectory) ListActiveMemberEmails(ctx context.Context, clientID int) ([]string, error) {
	return f.members[clientID], f.called("list_active_member_emails")
}

type sentEmail struct {
	To       string
	Template email.Template
	Data     map[string]any
	Key      string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentEmail
	failTo map[string]bool
	// onSend runs after each accepted send.
	onSend func()
}

func (f *fakeSender) Send(ctx context.Context, recipient string, tmpl email.Template, data map[string]any, key string) (int, error) {
	f.mu.Lock()
	if f.failTo[recipient] {
		f.mu.Unlock()
		return 0, &appErrors.StatusError{Operation: "send_email", Code: 400, Body: "bad recipient"}
	}
	f.sent = append(f.sent, sentEmail{To: recipient, Template: tmpl, Data: data, Key: key})
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return 202, nil
}

func (f *fakeSender) Sent() []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEmail(nil), f.sent...)
}

func (f *fakeSender) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fakeProvisioner struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (f *fakeProvisioner) ProvisionAccounts(ctx context.Context, recipient, tenantID, key string) (provision.Accounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return provision.Accounts{}, appErrors.Permanent(errors.New("tenant rejected"))
	}
	f.keys = append(f.keys, key)
	return provision.Accounts{
		PortalID: provision.AccountID(key, "portal"),
		MobileID: provision.AccountID(key, "mobile"),
	}, nil
}

func (f *fakeProvisioner) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *fakeProvisioner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = nil
}

// recordingQueue records published jobs without delivering them.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (q *recordingQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, payload.(queue.RunJob).RunID)
	return nil
}

func (q *recordingQueue) Subscribe(topic string, handler func(payload any) error) error {
	return nil
}

func (q *recordingQueue) Jobs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.jobs...)
}

type fixture struct {
	store  *eventlog.MemoryStore
	roster *fakeRoster
	dir    *fakeDirectory
	sender *fakeSender
	prov   *fakeProvisioner
	clock  *timertest.Clock
}

func newFixture() *fixture {
	return &fixture{
		store:  eventlog.NewMemoryStore(),
		roster: &fakeRoster{},
		dir:    newDirectory(),
		sender: &fakeSender{failTo: map[string]bool{}},
		prov:   &fakeProvisioner{},
		clock:  timertest.NewClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
	}
}

var testInput = model.CampaignInput{
	RosterSourceID: "sheet-1",
	Brand:          model.Brand{Name: "Acme Health", PortalURL: "https://portal.acme.test"},
}

func (f *fixture) runner(t *testing.T, cfg service.RunnerConfig) *service.CampaignRunner {
	t.Helper()
	minter, err := provision.NewMinter("test-secret", "https://portal.acme.test", 0)
	require.NoError(t, err)

	noSleep := gateway.WithSleep(func(context.Context, time.Duration) error { return nil })
	policy := gateway.DefaultPolicy()
	policy.MaxAttempts = 2

	if cfg.TierDelay == 0 {
		cfg.TierDelay = 24 * time.Hour
	}
	if cfg.PhaseDelay == 0 {
		cfg.PhaseDelay = 7 * 24 * time.Hour
	}
	if cfg.TenantID == "" {
		cfg.TenantID = "42"
	}

	r, err := service.NewCampaignRunner(service.RunnerDeps{
		Store:       f.store,
		Roster:      f.roster,
		Directory:   f.dir,
		Sender:      f.sender,
		Provisioner: f.prov,
		Minter:      minter,
		Gateway:     gateway.New(policy, zap.NewNop(), noSleep),
		Timer:       timer.New(f.clock, zap.NewNop()),
		Clock:       f.clock,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return r
}

// standard wires two clients under one broker plus a client without a
// broker, each with contacts and members.
func (f *fixture) standard() {
	f.roster.rows = rows("7", "8", "9")
	f.dir.known = []int{7, 8, 9}
	f.dir.brokers[7] = []int{101}
	f.dir.brokers[8] = []int{101}
	f.dir.brokerEmails[101] = "broker@agency.test"
	f.dir.names[7] = "Seven Corp"
	f.dir.names[8] = "Eight Ltd"
	f.dir.contacts[7] = []string{"hr@seven.test"}
	f.dir.contacts[8] = []string{"hr@eight.test", "ops@eight.test"}
	f.dir.contacts[9] = []string{"hr@nine.test"}
	f.dir.members[7] = []string{"ann@seven.test"}
	f.dir.members[9] = []string{"bob@nine.test", "cy@nine.test"}
}
