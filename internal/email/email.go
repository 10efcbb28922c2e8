// Package email delivers customer-facing notification messages. The monitor
// enqueues a message when a payment with a customer address confirms; a
// single background worker composes and sends it through the configured
// provider. Delivery is best effort: a payment is never blocked or unwound
// over a failed email.
package email

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/VigilPay/server/internal/circuitbreaker"
	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/money"
	"github.com/VigilPay/server/internal/storage"
)

// KindPaymentConfirmed is the message sent when a payment settles.
const KindPaymentConfirmed = "payment_confirmed"

const explorerTxURL = "https://explorer.solana.com/tx/"

// Sender accepts messages for asynchronous delivery. Enqueue returns
// quickly; the send itself happens on the queue worker.
type Sender interface {
	Enqueue(ctx context.Context, kind string, payment storage.Payment) error
}

// Client is a provider that can deliver one composed message.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a composed email ready for a provider.
type Message struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

// NoopSender drops every message. Wired when confirmation emails are
// disabled.
type NoopSender struct{}

// Enqueue discards the message.
func (NoopSender) Enqueue(context.Context, string, storage.Payment) error { return nil }

var _ Sender = NoopSender{}

// NewClientFromConfig selects the provider named in the config. The empty
// and "dryrun" providers log instead of sending, so a half-configured
// deployment never emails real customers.
func NewClientFromConfig(cfg config.EmailConfig, breakers *circuitbreaker.Manager, logger zerolog.Logger) (Client, error) {
	switch cfg.Provider {
	case "", "dryrun":
		return &DryRunClient{Logger: logger}, nil
	case "sendgrid":
		return NewSendGridClient(cfg, breakers, logger)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// compose renders the message for a kind. The payment passed in is the
// post-confirmation snapshot, so signature and confirmation time are set.
func compose(kind string, payment storage.Payment) (Message, error) {
	if payment.CustomerEmail == "" {
		return Message{}, fmt.Errorf("payment %s has no customer email", payment.Reference)
	}
	switch kind {
	case KindPaymentConfirmed:
		return composePaymentConfirmed(payment), nil
	default:
		return Message{}, fmt.Errorf("unknown email kind %q", kind)
	}
}

func composePaymentConfirmed(payment storage.Payment) Message {
	label := amountLabel(payment)

	var b strings.Builder
	b.WriteString("Your payment is confirmed.\n\n")
	fmt.Fprintf(&b, "Amount: %s\n", label)
	fmt.Fprintf(&b, "Reference: %s\n", payment.Reference)
	if payment.Signature != "" {
		fmt.Fprintf(&b, "Transaction: %s%s\n", explorerTxURL, payment.Signature)
	}
	if payment.ConfirmedAt != nil {
		fmt.Fprintf(&b, "Confirmed at: %s\n", payment.ConfirmedAt.UTC().Format(time.RFC3339))
	}
	text := b.String()

	return Message{
		To:       payment.CustomerEmail,
		Subject:  "Payment confirmed: " + label,
		TextBody: text,
		HTMLBody: htmlBody(text),
	}
}

// amountLabel renders the human-readable amount. Token mints have no
// registered symbol here, so the truncated mint key stands in.
func amountLabel(payment storage.Payment) string {
	amount := payment.Amount
	if amount == "" {
		amount = money.FormatAmount(payment.BaseUnits, payment.TokenDecimals)
	}
	if payment.Kind == storage.PaymentKindToken {
		return amount + " " + truncateKey(payment.TokenMint, 4)
	}
	return amount + " SOL"
}

// htmlBody wraps the plain-text body for clients that only render HTML.
func htmlBody(text string) string {
	escaped := html.EscapeString(strings.TrimRight(text, "\n"))
	return "<html><body><p>" + strings.ReplaceAll(escaped, "\n", "<br>\n") + "</p></body></html>"
}

func truncateKey(s string, keep int) string {
	if len(s) <= 2*keep {
		return s
	}
	return s[:keep] + "..." + s[len(s)-keep:]
}

// RedactAddress masks an email address for logs, keeping the first letter
// and the domain.
func RedactAddress(addr string) string {
	at := strings.IndexByte(addr, '@')
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}
