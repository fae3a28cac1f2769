// Package email delivers templated campaign emails.
package email

import (
	"context"
	"fmt"

	"github.com/unclebandit/broker-notify/internal/config"
)

// Template selects a campaign template by tier and phase.
type Template string

const (
	BrokerInitial  Template = "broker_1"
	BrokerReminder Template = "broker_2"
	ClientInitial  Template = "client_1"
	ClientReminder Template = "client_2"
	ClientFinal    Template = "client_3"
	MemberInitial  Template = "member_1"
	MemberReminder Template = "member_2"
	MemberFinal    Template = "member_3"
)

// TemplateFor returns the template of a tier in a phase. Brokers are only
// written to in phases 1 and 2.
func TemplateFor(tier string, phase int) (Template, error) {
	last := 3
	switch tier {
	case "broker":
		last = 2
	case "client", "member":
	default:
		return "", fmt.Errorf("unknown tier %q", tier)
	}
	if phase < 1 || phase > last {
		return "", fmt.Errorf("no %s template for phase %d", tier, phase)
	}
	return Template(fmt.Sprintf("%s_%d", tier, phase)), nil
}

// Sender delivers one email and reports the provider status code. The
// idempotency key is the same on every retry of the same logical send.
type Sender interface {
	Send(ctx context.Context, recipient string, tmpl Template, data map[string]any, idempotencyKey string) (int, error)
}

// TemplateIDs maps each template to the provider template id in cfg.
func TemplateIDs(cfg config.SendGridConfig) map[Template]string {
	return map[Template]string{
		BrokerInitial:  cfg.BrokerTemplate1,
		BrokerReminder: cfg.BrokerTemplate2,
		ClientInitial:  cfg.ClientTemplate1,
		ClientReminder: cfg.ClientTemplate2,
		ClientFinal:    cfg.ClientTemplate3,
		MemberInitial:  cfg.MemberTemplate1,
		MemberReminder: cfg.MemberTemplate2,
		MemberFinal:    cfg.MemberTemplate3,
	}
}
