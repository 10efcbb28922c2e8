package email

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunClient logs messages instead of sending them. It is the default
// provider, chosen so an environment without email credentials exercises
// the full enqueue/compose path without reaching any customer.
type DryRunClient struct {
	Logger zerolog.Logger
}

var _ Client = (*DryRunClient)(nil)

// Send logs the composed message and reports success.
func (c *DryRunClient) Send(_ context.Context, msg Message) error {
	c.Logger.Info().
		Str("recipient", RedactAddress(msg.To)).
		Str("subject", msg.Subject).
		Int("body_bytes", len(msg.TextBody)).
		Msg("dry-run email (not sent)")
	return nil
}
