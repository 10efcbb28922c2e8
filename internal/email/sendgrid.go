package email

import (
	"context"
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/VigilPay/server/internal/circuitbreaker"
	"github.com/VigilPay/server/internal/config"
)

// sendGridAPI is the slice of the SendGrid SDK the client depends on.
type sendGridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

var _ sendGridAPI = (*sendgrid.Client)(nil)

// SendGridClient delivers messages through the SendGrid v3 mail API. Calls
// run through the email circuit breaker, so a provider outage trips fast
// instead of stalling the queue worker on every message.
type SendGridClient struct {
	api      sendGridAPI
	breakers *circuitbreaker.Manager
	from     *mail.Email
	logger   zerolog.Logger
}

var _ Client = (*SendGridClient)(nil)

// NewSendGridClient validates the configured credentials and sender
// identity up front, so a bad deployment fails at startup rather than on
// the first confirmed payment.
func NewSendGridClient(cfg config.EmailConfig, breakers *circuitbreaker.Manager, logger zerolog.Logger) (*SendGridClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("sendgrid api key is empty")
	}

	fromAddress := strings.TrimSpace(cfg.FromAddress)
	if _, err := netmail.ParseAddress(fromAddress); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", cfg.FromAddress, err)
	}

	return &SendGridClient{
		api:      sendgrid.NewSendClient(apiKey),
		breakers: breakers,
		from:     mail.NewEmail(cfg.FromName, fromAddress),
		logger:   logger,
	}, nil
}

// Send delivers one message. A status >= 400 from the API is a failure
// even though the HTTP exchange itself succeeded.
func (c *SendGridClient) Send(ctx context.Context, msg Message) error {
	out := mail.NewSingleEmail(c.from, msg.Subject, mail.NewEmail("", msg.To), msg.TextBody, msg.HTMLBody)

	resp, err := c.guard(func() (interface{}, error) {
		return c.api.SendWithContext(ctx, out)
	})
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
	}

	c.logger.Debug().
		Str("recipient", RedactAddress(msg.To)).
		Int("status", resp.StatusCode).
		Msg("sendgrid accepted message")
	return nil
}

// guard runs fn through the email circuit breaker when one is configured.
func (c *SendGridClient) guard(fn func() (interface{}, error)) (*rest.Response, error) {
	var out interface{}
	var err error
	if c.breakers != nil {
		out, err = c.breakers.Execute(circuitbreaker.ServiceEmail, fn)
	} else {
		out, err = fn()
	}
	if err != nil {
		return nil, err
	}
	resp, ok := out.(*rest.Response)
	if !ok || resp == nil {
		return nil, fmt.Errorf("sendgrid returned no response")
	}
	return resp, nil
}
