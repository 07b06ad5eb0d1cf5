// Package dispatch turns a (function, recipient, variables) request into a
// delivered email, a queued retry, or a recorded failure. It never returns
// an error to the caller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/gateway"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/template"
)

var (
	outcomeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_outcomes_total",
		Help: "Dispatch results by outcome and source",
	}, []string{"outcome", "source"})
	sendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_send_duration_seconds",
		Help:    "Latency of gateway sends",
		Buckets: prometheus.DefBuckets,
	}, []string{"gateway", "result"})
)

const DefaultSendTimeout = 5 * time.Second

type Request struct {
	Function  string            `json:"function"`
	Recipient string            `json:"recipient"`
	Variables map[string]string `json:"variables"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Function) == "" {
		return errors.New("function is required")
	}
	if !strings.Contains(r.Recipient, "@") {
		return errors.New("recipient must be an email address")
	}
	return nil
}

type Result struct {
	Outcome   ledger.Outcome `json:"outcome"`
	MessageID string         `json:"message_id,omitempty"`
	Gateway   string         `json:"gateway,omitempty"`
	EntryID   *uuid.UUID     `json:"entry_id,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}

// GatewaySource yields the gateway that is active right now.
type GatewaySource interface {
	Active(ctx context.Context) (gateway.Gateway, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, e queue.Entry) (queue.Entry, error)
}

type Recorder interface {
	Record(rec ledger.Record)
}

type Deps struct {
	Resolver    *template.Resolver
	Gateways    GatewaySource
	Queue       Enqueuer
	Markers     ledger.MarkerStore
	Audit       Recorder
	SendTimeout time.Duration
	Logger      zerolog.Logger
}

type Service struct {
	resolver *template.Resolver
	gateways GatewaySource
	queue    Enqueuer
	markers  ledger.MarkerStore
	audit    Recorder
	timeout  time.Duration
	logger   zerolog.Logger
	tracer   trace.Tracer
}

func NewService(d Deps) *Service {
	timeout := d.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Service{
		resolver: d.Resolver,
		gateways: d.Gateways,
		queue:    d.Queue,
		markers:  d.Markers,
		audit:    d.Audit,
		timeout:  timeout,
		logger:   d.Logger,
		tracer:   otel.Tracer("dispatch"),
	}
}

// Dispatch delivers one notification. Once-per-recipient functions are
// sent at most once per recipient; a repeat returns sent without touching
// the gateway.
func (s *Service) Dispatch(ctx context.Context, req Request) Result {
	return s.deliver(ctx, req, ledger.SourceDispatch)
}

// SendTest is Dispatch without the once-per-recipient guard.
func (s *Service) SendTest(ctx context.Context, req Request) Result {
	return s.deliver(ctx, req, ledger.SourceTest)
}

func (s *Service) deliver(ctx context.Context, req Request, source ledger.Source) (res Result) {
	ctx, span := s.tracer.Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("notification.function", req.Function),
		attribute.String("notification.source", string(source)),
	)
	logger := common.WithContext(ctx, s.logger).With().
		Str("function", req.Function).
		Str("recipient", req.Recipient).
		Str("source", string(source)).
		Logger()

	release := func() {}
	defer func() {
		if r := recover(); r != nil {
			release()
			logger.Error().Interface("panic", r).Msg("dispatch panicked")
			res = Result{Outcome: ledger.OutcomeFailed, Detail: fmt.Sprintf("internal error: %v", r)}
		}
		outcomeCounter.WithLabelValues(string(res.Outcome), string(source)).Inc()
		span.SetAttributes(attribute.String("notification.outcome", string(res.Outcome)))
		if res.Outcome == ledger.OutcomeFailed {
			span.SetStatus(codes.Error, res.Detail)
		}
	}()

	fail := func(err error) Result {
		span.RecordError(err)
		logger.Warn().Err(err).Msg("dispatch failed")
		s.record(req.Function, req.Recipient, source, ledger.OutcomeFailed, gateway.Result{}, err)
		return Result{Outcome: ledger.OutcomeFailed, Detail: err.Error()}
	}

	if err := req.validate(); err != nil {
		return fail(err)
	}

	fn, err := s.resolver.Function(ctx, req.Function)
	if err != nil {
		return fail(err)
	}

	// the marker is checked before resolution; a retired function still
	// answers sent for recipients that already got it
	claimed := false
	if fn.SendOnce && source != ledger.SourceTest {
		ok, err := s.markers.Claim(ctx, req.Recipient, fn.Slug)
		if err != nil {
			return fail(fmt.Errorf("idempotency check: %w", err))
		}
		if !ok {
			logger.Debug().Msg("already sent, skipping")
			return Result{Outcome: ledger.OutcomeSent, Detail: "already sent"}
		}
		claimed = true
	}
	release = func() {
		if !claimed {
			return
		}
		if err := s.markers.Release(context.WithoutCancel(ctx), req.Recipient, fn.Slug); err != nil {
			logger.Error().Err(err).Msg("failed to release idempotency claim")
		}
	}

	resolution, err := s.resolver.Resolve(ctx, req.Function)
	if err != nil {
		release()
		return fail(err)
	}
	fn = resolution.Function

	rendered, err := template.Render(fn, resolution.Template, req.Variables)
	if err != nil {
		release()
		return fail(err)
	}

	sent, err := s.send(ctx, s.gateways.Active, gateway.Message{
		To:      req.Recipient,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
		Tag:     fn.Slug,
	})
	switch {
	case err == nil:
		if claimed {
			if _, err := s.markers.MarkSent(context.WithoutCancel(ctx), req.Recipient, fn.Slug); err != nil {
				logger.Error().Err(err).Msg("failed to mark sent")
			}
		}
		s.record(fn.Slug, req.Recipient, source, ledger.OutcomeSent, sent, nil)
		logger.Info().Str("gateway", sent.Gateway).Str("message_id", sent.MessageID).Msg("notification sent")
		return Result{Outcome: ledger.OutcomeSent, MessageID: sent.MessageID, Gateway: sent.Gateway}

	case gateway.IsTransient(err):
		// the claim, if any, stays held while the entry is queued
		entry, qerr := s.queue.Enqueue(context.WithoutCancel(ctx), queue.Entry{
			FunctionSlug: fn.Slug,
			TemplateID:   resolution.Template.ID,
			Recipient:    req.Recipient,
			Variables:    req.Variables,
			SendOnce:     claimed,
		})
		if qerr != nil {
			release()
			return fail(errors.Join(err, fmt.Errorf("enqueue retry: %w", qerr)))
		}
		span.RecordError(err)
		logger.Warn().Err(err).Str("entry_id", entry.ID.String()).Time("next_retry_at", entry.NextRetryAt).Msg("send failed, queued for retry")
		s.record(fn.Slug, req.Recipient, source, ledger.OutcomeQueued, sent, err)
		id := entry.ID
		return Result{Outcome: ledger.OutcomeQueued, Gateway: sent.Gateway, EntryID: &id, Detail: err.Error()}

	default:
		release()
		out := fail(err)
		out.Gateway = sent.Gateway
		return out
	}
}

// send resolves the active gateway and delivers msg within the send
// timeout. The returned Result carries the gateway name even on error.
func (s *Service) send(ctx context.Context, active func(context.Context) (gateway.Gateway, error), msg gateway.Message) (gateway.Result, error) {
	gw, err := active(ctx)
	if err != nil {
		return gateway.Result{}, err
	}
	ctx, span := s.tracer.Start(ctx, "gateway.send", trace.WithAttributes(attribute.String("gateway", gw.Name())))
	defer span.End()

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	res, err := gw.Send(sendCtx, msg)
	sendLatency.WithLabelValues(gw.Name(), resultLabel(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		if gateway.KindOf(err) == gateway.KindTransient && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			err = gateway.Transient(gw.Name(), fmt.Errorf("send timed out after %s: %w", s.timeout, err))
		}
		return gateway.Result{Gateway: gw.Name()}, err
	}
	if res.Gateway == "" {
		res.Gateway = gw.Name()
	}
	return res, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return gateway.KindOf(err).String()
}

func (s *Service) record(function, recipient string, source ledger.Source, outcome ledger.Outcome, res gateway.Result, err error) {
	if s.audit == nil {
		return
	}
	rec := ledger.Record{
		FunctionSlug: function,
		Recipient:    recipient,
		Outcome:      outcome,
		Gateway:      res.Gateway,
		MessageID:    res.MessageID,
		Source:       source,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.audit.Record(rec)
}
