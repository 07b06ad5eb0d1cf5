package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/gateway"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/template"
)

var (
	_ queue.Executor     = (*Service)(nil)
	_ queue.BatchStarter = (*Service)(nil)
	_ queue.Finalizer    = (*Service)(nil)
)

// Execute retries a queued entry through the gateway active right now.
func (s *Service) Execute(ctx context.Context, e queue.Entry) (queue.Attempt, error) {
	return s.execute(ctx, e, s.gateways.Active)
}

// StartBatch pins the active gateway for one retry pass and, when the
// gateway supports it, opens one connection for the whole pass.
func (s *Service) StartBatch(ctx context.Context) (queue.Executor, func(), error) {
	gw, err := s.gateways.Active(ctx)
	if err != nil {
		return nil, nil, err
	}
	batcher, ok := gw.(gateway.Batcher)
	if !ok {
		return pinned{s: s, gw: gw}, func() {}, nil
	}
	batch, err := batcher.OpenBatch(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s batch: %w", gw.Name(), err)
	}
	done := func() {
		if err := batch.Close(); err != nil {
			s.logger.Warn().Err(err).Str("gateway", gw.Name()).Msg("failed to close batch")
		}
	}
	return pinned{s: s, gw: batch}, done, nil
}

type pinned struct {
	s  *Service
	gw gateway.Gateway
}

func (p pinned) Execute(ctx context.Context, e queue.Entry) (queue.Attempt, error) {
	return p.s.execute(ctx, e, func(context.Context) (gateway.Gateway, error) { return p.gw, nil })
}

func (s *Service) execute(ctx context.Context, e queue.Entry, active func(context.Context) (gateway.Gateway, error)) (queue.Attempt, error) {
	resolution, err := s.resolver.ForEntry(ctx, e.FunctionSlug, e.TemplateID)
	if err != nil {
		var resErr *template.ResolutionError
		if errors.As(err, &resErr) {
			return queue.Attempt{}, backoff.Permanent(err)
		}
		return queue.Attempt{}, err
	}
	rendered, err := template.Render(resolution.Function, resolution.Template, e.Variables)
	if err != nil {
		return queue.Attempt{}, backoff.Permanent(err)
	}
	res, err := s.send(ctx, active, gateway.Message{
		To:      e.Recipient,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
		Tag:     e.FunctionSlug,
	})
	attempt := queue.Attempt{Gateway: res.Gateway, MessageID: res.MessageID}
	if err != nil {
		if gateway.IsTransient(err) {
			return attempt, err
		}
		return attempt, backoff.Permanent(err)
	}
	return attempt, nil
}

// Finalize settles markers and writes the audit record for a retry.
func (s *Service) Finalize(ctx context.Context, e queue.Entry, a queue.Attempt, status queue.Status, err error) {
	logger := common.WithContext(ctx, s.logger).With().
		Str("entry_id", e.ID.String()).
		Str("function", e.FunctionSlug).
		Logger()
	res := gateway.Result{Gateway: a.Gateway, MessageID: a.MessageID}

	var outcome ledger.Outcome
	switch status {
	case queue.StatusCompleted:
		outcome = ledger.OutcomeSent
		if e.SendOnce {
			if _, err := s.markers.MarkSent(ctx, e.Recipient, e.FunctionSlug); err != nil {
				logger.Error().Err(err).Msg("failed to mark sent")
			}
		}
	case queue.StatusFailed:
		outcome = ledger.OutcomeFailed
		if e.SendOnce {
			if err := s.markers.Release(ctx, e.Recipient, e.FunctionSlug); err != nil {
				logger.Error().Err(err).Msg("failed to release idempotency claim")
			}
		}
	case queue.StatusPending:
		outcome = ledger.OutcomeQueued
	default:
		return
	}
	outcomeCounter.WithLabelValues(string(outcome), string(ledger.SourceRetry)).Inc()
	s.record(e.FunctionSlug, e.Recipient, ledger.SourceRetry, outcome, res, err)
}
