package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	auditRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_audit_records_total",
		Help: "Audit records by outcome",
	}, []string{"outcome"})
	auditDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_audit_dropped_total",
		Help: "Audit records lost to a full buffer or a failing sink",
	}, []string{"reason"})
)

const sinkTimeout = 5 * time.Second

// Auditor fans records out to its sinks from a background goroutine.
// Record never blocks; a full buffer drops the record.
type Auditor struct {
	sinks  []Sink
	logger zerolog.Logger
	now    func() time.Time

	records chan Record
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAuditor(buffer int, logger zerolog.Logger, sinks ...Sink) *Auditor {
	if buffer < 1 {
		buffer = 1
	}
	a := &Auditor{
		sinks:   sinks,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		records: make(chan Record, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Auditor) Record(rec Record) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.now()
	}
	rec.Recipient = NormalizeRecipient(rec.Recipient)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		auditDrops.WithLabelValues("closed").Inc()
		return
	}
	select {
	case a.records <- rec:
		auditRecords.WithLabelValues(string(rec.Outcome)).Inc()
	default:
		auditDrops.WithLabelValues("buffer_full").Inc()
		a.logger.Warn().
			Str("function", rec.FunctionSlug).
			Str("outcome", string(rec.Outcome)).
			Msg("audit buffer full, record dropped")
	}
}

func (a *Auditor) run() {
	defer close(a.done)
	for rec := range a.records {
		for _, sink := range a.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := sink.Append(ctx, rec); err != nil {
				auditDrops.WithLabelValues("sink_error").Inc()
				a.logger.Error().Err(err).
					Str("function", rec.FunctionSlug).
					Str("record_id", rec.ID.String()).
					Msg("audit sink failed")
			}
			cancel()
		}
	}
}

// Close stops accepting records and waits for the buffer to drain or ctx
// to end.
func (a *Auditor) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.records)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("audit buffer not drained"), ctx.Err())
	}
}
