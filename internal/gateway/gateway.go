// Package gateway delivers rendered emails through one of several
// interchangeable providers. Exactly one provider is active at a time; the
// choice is read from Settings on every call.
package gateway

import (
	"context"
	"errors"
)

const (
	ProviderResend   = "resend"
	ProviderSMTP     = "smtp"
	ProviderPostmark = "postmark"
)

// Message is a fully rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	// Tag carries the function slug for provider-side analytics.
	Tag string
}

type Result struct {
	MessageID string
	Gateway   string
}

type Gateway interface {
	Name() string
	Send(ctx context.Context, msg Message) (Result, error)
}

// Batcher is implemented by gateways with an expensive handshake. A batch
// reuses one verified connection until Close.
type Batcher interface {
	OpenBatch(ctx context.Context) (Batch, error)
}

type Batch interface {
	Gateway
	Close() error
}

func (m Message) validate() error {
	if m.To == "" {
		return errors.New("recipient is required")
	}
	if m.Subject == "" {
		return errors.New("subject is required")
	}
	if m.HTML == "" && m.Text == "" {
		return errors.New("message body is required")
	}
	return nil
}
