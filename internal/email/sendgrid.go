package email

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
)

const defaultSendGridHost = "https://api.sendgrid.com"

// SendGridSender sends through SendGrid dynamic templates.
type SendGridSender struct {
	apiKey    string
	host      string
	from      *mail.Email
	templates map[Template]string
	// override, when set, receives every email instead of the real recipient.
	override string
	logger   *zap.Logger
}

type SendGridOptions struct {
	APIKey    string
	FromEmail string
	FromName  string
	Templates map[Template]string
	// SafetyOverride redirects every recipient, for test campaigns.
	SafetyOverride string
	// Host defaults to the public API.
	Host string
}

func NewSendGridSender(opts SendGridOptions, logger *zap.Logger) (*SendGridSender, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("SENDGRID_API_KEY is required")
	}
	if opts.FromEmail == "" {
		return nil, fmt.Errorf("SENDGRID_FROM_EMAIL is required")
	}
	host := opts.Host
	if host == "" {
		host = defaultSendGridHost
	}
	if opts.SafetyOverride != "" {
		logger.Warn("safety override active, all campaign email goes to one inbox",
			zap.String("override", opts.SafetyOverride))
	}
	return &SendGridSender{
		apiKey:    opts.APIKey,
		host:      strings.TrimRight(host, "/"),
		from:      mail.NewEmail(opts.FromName, opts.FromEmail),
		templates: opts.Templates,
		override:  opts.SafetyOverride,
		logger:    logger,
	}, nil
}

func (s *SendGridSender) Send(ctx context.Context, recipient string, tmpl Template, data map[string]any, idempotencyKey string) (int, error) {
	templateID := s.templates[tmpl]
	if templateID == "" {
		return 0, appErrors.Permanent(fmt.Errorf("no template id configured for %s", tmpl))
	}

	to := recipient
	if s.override != "" {
		to = s.override
	}

	m := mail.NewV3Mail()
	m.SetFrom(s.from)
	m.SetTemplateID(templateID)

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", to))
	for k, v := range data {
		p.SetDynamicTemplateData(k, v)
	}
	if s.override != "" {
		p.SetDynamicTemplateData("original_recipient", recipient)
	}
	p.SetCustomArg("idempotency_key", idempotencyKey)
	m.AddPersonalizations(p)

	req := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	req.Method = rest.Post
	req.Body = mail.GetRequestBody(m)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return resp.StatusCode, &appErrors.StatusError{Operation: "sendgrid send", Code: resp.StatusCode, Body: resp.Body}
	}

	s.logger.Debug("email accepted",
		zap.String("template", string(tmpl)),
		zap.Int("status", resp.StatusCode),
		zap.String("idempotency_key", idempotencyKey),
	)
	return resp.StatusCode, nil
}

var _ Sender = (*SendGridSender)(nil)
