package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendGateway sends through the Resend HTTP API.
type ResendGateway struct {
	client *resend.Client
	from   string
}

func NewResendGateway(s Settings, transport http.RoundTripper, timeout time.Duration) (*ResendGateway, error) {
	if s.Resend.APIKey == "" {
		return nil, Misconfigured(ProviderResend, fmt.Errorf("resend api key is not set"))
	}
	httpClient := newRecordingClient(transport, timeout)
	client := resend.NewCustomClient(httpClient, s.Resend.APIKey)
	if s.Resend.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(s.Resend.BaseURL, "/") + "/")
		if err != nil {
			return nil, Misconfigured(ProviderResend, fmt.Errorf("parse base url: %w", err))
		}
		client.BaseURL = base
	}
	return &ResendGateway{client: client, from: s.From()}, nil
}

func (g *ResendGateway) Name() string { return ProviderResend }

func (g *ResendGateway) Send(ctx context.Context, msg Message) (Result, error) {
	if err := msg.validate(); err != nil {
		return Result{}, Rejected(ProviderResend, err)
	}
	req := &resend.SendEmailRequest{
		From:    g.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}
	if msg.Tag != "" {
		req.Tags = []resend.Tag{{Name: "function", Value: msg.Tag}}
	}

	ctx, status := withStatusSlot(ctx)
	resp, err := g.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return Result{}, classifyHTTP(ProviderResend, *status, fmt.Errorf("resend send: %w", err))
	}
	return Result{MessageID: resp.Id, Gateway: ProviderResend}, nil
}
