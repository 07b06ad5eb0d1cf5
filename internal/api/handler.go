// Package api exposes dispatch and the admin surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/gateway"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/template"
)

var (
	reqCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

const maxBodyBytes = 1 << 20

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
	SendTest(ctx context.Context, req dispatch.Request) dispatch.Result
}

type QueueRunner interface {
	ProcessDue(ctx context.Context) (queue.Report, error)
}

type GatewayChecker interface {
	Check(ctx context.Context) (string, error)
}

type Deps struct {
	Dispatcher Dispatcher
	Templates  template.Repository
	Settings   gateway.SettingsStore
	Gateways   GatewayChecker
	Queue      queue.Repository
	Runner     QueueRunner
	Audit      ledger.Reader
	Logger     zerolog.Logger
}

type Handler struct {
	Deps
	tracer trace.Tracer
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, tracer: otel.Tracer("api")}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/dispatch", h.dispatch)
		r.Post("/test-send", h.testSend)

		r.Get("/functions", h.listFunctions)
		r.Post("/functions", h.createFunction)
		r.Get("/functions/{slug}", h.getFunction)
		r.Put("/functions/{slug}", h.updateFunction)
		r.Delete("/functions/{slug}", h.deleteFunction)
		r.Get("/functions/{slug}/assignments", h.listAssignments)

		r.Get("/templates", h.listTemplates)
		r.Post("/templates", h.createTemplate)
		r.Get("/templates/{id}", h.getTemplate)
		r.Put("/templates/{id}", h.updateTemplate)
		r.Delete("/templates/{id}", h.deleteTemplate)

		r.Post("/assignments", h.assign)
		r.Put("/assignments/{id}", h.updateAssignment)
		r.Delete("/assignments/{id}", h.deleteAssignment)

		r.Get("/gateway", h.getGateway)
		r.Put("/gateway", h.putGateway)

		r.Get("/queue", h.listQueue)
		r.Post("/queue/process", h.processQueue)

		r.Get("/audit", h.listAudit)
	})
	return r
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", ww.Status()))
		reqCounter.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		requestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := decode(r, &req); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeResult(w, h.Dispatcher.Dispatch(r.Context(), req))
}

func (h *Handler) testSend(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := decode(r, &req); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeResult(w, h.Dispatcher.SendTest(r.Context(), req))
}

// writeResult answers 202 for queued deliveries and 200 otherwise; a failed
// dispatch is a result, not an HTTP error.
func writeResult(w http.ResponseWriter, res dispatch.Result) {
	status := http.StatusOK
	if res.Outcome == ledger.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }

func (b badRequest) Unwrap() error { return b.err }

func invalid(err error) error { return badRequest{err: err} }

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var br badRequest
	switch {
	case errors.As(err, &br):
		status = http.StatusBadRequest
	case errors.Is(err, template.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, template.ErrConflict):
		status = http.StatusConflict
	case gateway.KindOf(err) == gateway.KindConfiguration:
		status = http.StatusUnprocessableEntity
	}
	logger := common.WithContext(ctx, h.Logger)
	if status >= 500 {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid(errors.New("id must be a positive integer"))
	}
	return id, nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalid(errors.New("limit must be a non-negative integer"))
	}
	return n, nil
}
