package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mrz1836/postmark"
)

// Postmark API error codes that point at the account rather than the message.
const (
	postmarkBadServerToken = 10
	postmarkSenderNotFound = 400
	postmarkNotAllowed     = 405
	postmarkRateLimited    = 429
)

// PostmarkGateway sends through the Postmark transactional API.
type PostmarkGateway struct {
	client *postmark.Client
	from   string
}

func NewPostmarkGateway(s Settings, transport http.RoundTripper, timeout time.Duration) (*PostmarkGateway, error) {
	if s.Postmark.ServerToken == "" {
		return nil, Misconfigured(ProviderPostmark, fmt.Errorf("postmark server token is not set"))
	}
	httpClient := newRecordingClient(transport, timeout)
	client := postmark.NewClient(s.Postmark.ServerToken, "")
	client.HTTPClient = httpClient
	if s.Postmark.BaseURL != "" {
		client.BaseURL = strings.TrimSuffix(s.Postmark.BaseURL, "/")
	}
	return &PostmarkGateway{client: client, from: s.From()}, nil
}

func (g *PostmarkGateway) Name() string { return ProviderPostmark }

func (g *PostmarkGateway) Send(ctx context.Context, msg Message) (Result, error) {
	if err := msg.validate(); err != nil {
		return Result{}, Rejected(ProviderPostmark, err)
	}

	ctx, status := withStatusSlot(ctx)
	resp, err := g.client.SendEmail(ctx, postmark.Email{
		From:       g.from,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTML,
		TextBody:   msg.Text,
		TrackOpens: true,
	})
	if err != nil {
		// non-2xx replies surface as APIError with an empty resp; a 200 with
		// a non-zero ErrorCode fills resp instead
		var apiErr postmark.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.ErrorCode != 0:
			return Result{}, classifyPostmark(apiErr.ErrorCode, *status, apiErr.Message)
		case resp.ErrorCode != 0:
			return Result{}, classifyPostmark(resp.ErrorCode, *status, resp.Message)
		}
		return Result{}, classifyHTTP(ProviderPostmark, *status, fmt.Errorf("postmark send: %w", err))
	}
	return Result{MessageID: resp.MessageID, Gateway: ProviderPostmark}, nil
}

func classifyPostmark(code int64, status int, message string) error {
	err := fmt.Errorf("postmark error %d: %s", code, message)
	switch {
	case code == postmarkBadServerToken || code == postmarkSenderNotFound || code == postmarkNotAllowed,
		status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Misconfigured(ProviderPostmark, err)
	case code == postmarkRateLimited || status == http.StatusTooManyRequests || status >= 500:
		return Transient(ProviderPostmark, err)
	default:
		return Rejected(ProviderPostmark, err)
	}
}
