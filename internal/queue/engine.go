package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var (
	attemptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_queue_attempts_total",
		Help: "Retry attempts by resulting entry status",
	}, []string{"status"})
	maintenanceCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_queue_maintenance_total",
		Help: "Entries reverted by the stale sweeper or purged by garbage collection",
	}, []string{"action"})
	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "retry_queue_pass_duration_seconds",
		Help:    "Duration of one ProcessDue pass",
		Buckets: prometheus.DefBuckets,
	})
)

// Attempt describes a successful or failed delivery attempt.
type Attempt struct {
	Gateway   string
	MessageID string
}

// Executor delivers one claimed entry. Errors wrapped with
// backoff.Permanent fail the entry immediately; any other error schedules a
// retry.
type Executor interface {
	Execute(ctx context.Context, e Entry) (Attempt, error)
}

// BatchStarter is implemented by executors that can share expensive setup,
// such as an SMTP connection, across a whole pass. done is called once the
// pass finishes.
type BatchStarter interface {
	StartBatch(ctx context.Context) (exec Executor, done func(), err error)
}

// Finalizer is told about every recorded transition.
type Finalizer interface {
	Finalize(ctx context.Context, e Entry, a Attempt, status Status, err error)
}

// DeadLetterSink receives entries that reached failed.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, e Entry) error
}

// Report summarizes one pass.
type Report struct {
	Reverted  int `json:"reverted"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Purged    int `json:"purged"`
}

type Engine struct {
	Repo        Repository
	Executor    Executor
	Policy      Policy
	DeadLetters DeadLetterSink
	Logger      zerolog.Logger
	Now         func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// Enqueue stores a new pending entry. MaxRetries and NextRetryAt default
// from the policy when unset.
func (e *Engine) Enqueue(ctx context.Context, entry Entry) (Entry, error) {
	now := e.now()
	if entry.MaxRetries <= 0 {
		entry.MaxRetries = e.Policy.MaxRetries
	}
	if entry.NextRetryAt.IsZero() {
		entry.NextRetryAt = now.Add(e.Policy.Delay(entry.RetryCount))
	}
	entry.Status = StatusPending
	entry.CreatedAt, entry.UpdatedAt = now, now
	return e.Repo.Enqueue(ctx, entry)
}

// ProcessDue runs one pass: sweep stale claims, work through up to
// BatchSize due entries with Workers concurrent claimers, then purge old
// failed entries. It is safe to run from several processes at once.
func (e *Engine) ProcessDue(ctx context.Context) (Report, error) {
	if e.Repo == nil || e.Executor == nil {
		return Report{}, errors.New("queue engine requires a repository and an executor")
	}
	start := time.Now()
	defer func() { passDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := otel.Tracer("queue").Start(ctx, "queue.process_due")
	defer span.End()

	var report Report
	now := e.now()

	reverted, err := e.Repo.RevertStale(ctx, now.Add(-e.Policy.StaleAfter), now)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("sweep stale entries: %w", err)
	}
	report.Reverted = reverted
	maintenanceCounter.WithLabelValues("reverted").Add(float64(reverted))
	if reverted > 0 {
		e.Logger.Warn().Int("count", reverted).Msg("reverted stale processing entries")
	}

	exec := e.Executor
	if starter, ok := e.Executor.(BatchStarter); ok {
		batch, done, err := starter.StartBatch(ctx)
		if err != nil {
			e.Logger.Warn().Err(err).Msg("batch setup failed, sending entries individually")
		} else {
			exec = batch
			defer done()
		}
	}

	var (
		budget                               atomic.Int64
		claimed, completed, retried, failed atomic.Int64
	)
	budget.Store(int64(max(e.Policy.BatchSize, 1)))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(e.Policy.Workers, 1); i++ {
		g.Go(func() error {
			for budget.Add(-1) >= 0 {
				if err := gctx.Err(); err != nil {
					return err
				}
				entry, err := e.Repo.Claim(gctx, e.now())
				if errors.Is(err, ErrNoDueEntry) {
					return nil
				}
				if err != nil {
					return err
				}
				claimed.Add(1)
				switch e.handle(gctx, exec, entry) {
				case StatusCompleted:
					completed.Add(1)
				case StatusPending:
					retried.Add(1)
				case StatusFailed:
					failed.Add(1)
				}
			}
			return nil
		})
	}
	runErr := g.Wait()
	report.Claimed = int(claimed.Load())
	report.Completed = int(completed.Load())
	report.Retried = int(retried.Load())
	report.Failed = int(failed.Load())
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return report, fmt.Errorf("process entries: %w", runErr)
	}

	purged, err := e.Repo.PurgeFailed(ctx, now.Add(-e.Policy.Retention))
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("purge failed entries: %w", err)
	}
	report.Purged = purged
	maintenanceCounter.WithLabelValues("purged").Add(float64(purged))

	span.SetAttributes(
		attribute.Int("queue.claimed", report.Claimed),
		attribute.Int("queue.completed", report.Completed),
		attribute.Int("queue.failed", report.Failed),
	)
	return report, nil
}

// handle executes one claimed entry and records the transition. It returns
// the status written, or "" when the entry was released unrecorded or was
// no longer ours to update.
func (e *Engine) handle(ctx context.Context, exec Executor, entry Entry) Status {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue.entry_id", entry.ID.String()),
		attribute.String("notification.function", entry.FunctionSlug),
		attribute.Int("queue.retry_count", entry.RetryCount),
	)
	logger := e.Logger.With().
		Str("entry_id", entry.ID.String()).
		Str("function", entry.FunctionSlug).
		Int("retry_count", entry.RetryCount).
		Logger()

	attempt, execErr := e.execute(ctx, exec, entry)

	store := context.WithoutCancel(ctx)
	now := e.now()
	var permanent *backoff.PermanentError
	isPermanent := errors.As(execErr, &permanent)

	// a failure caused by shutdown is not an attempt
	if execErr != nil && !isPermanent && ctx.Err() != nil {
		if err := e.Repo.Release(store, entry.ID, now); err != nil {
			span.RecordError(err)
			logger.Error().Err(err).Msg("failed to release cancelled entry")
			return ""
		}
		logger.Info().Err(execErr).Msg("pass cancelled, entry released")
		return ""
	}

	var (
		status Status
		err    error
	)
	switch {
	case execErr == nil:
		status = StatusCompleted
		err = e.Repo.Complete(store, entry.ID, now)
	case isPermanent || entry.RetryCount+1 >= entry.MaxRetries:
		status = StatusFailed
		err = e.Repo.Fail(store, entry.ID, execErr.Error(), now)
	default:
		status = StatusPending
		next := now.Add(e.Policy.Delay(entry.RetryCount + 1))
		err = e.Repo.Retry(store, entry.ID, next, execErr.Error(), now)
		entry.NextRetryAt = next
	}
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Str("status", string(status)).Msg("failed to record attempt")
		return ""
	}
	attemptCounter.WithLabelValues(string(status)).Inc()

	entry.Status = status
	entry.UpdatedAt = now
	if execErr != nil {
		entry.RetryCount++
		entry.LastError = execErr.Error()
		span.RecordError(execErr)
	}

	switch status {
	case StatusCompleted:
		logger.Info().Str("gateway", attempt.Gateway).Msg("retry delivered")
	case StatusPending:
		logger.Warn().Err(execErr).Time("next_retry_at", entry.NextRetryAt).Msg("retry failed, rescheduled")
	case StatusFailed:
		logger.Error().Err(execErr).Msg("retry failed permanently")
		if e.DeadLetters != nil {
			if err := e.DeadLetters.PublishDeadLetter(store, entry); err != nil {
				logger.Warn().Err(err).Msg("failed to publish dead letter")
			}
		}
	}
	if fin, ok := e.Executor.(Finalizer); ok {
		fin.Finalize(store, entry, attempt, status, execErr)
	}
	return status
}

func (e *Engine) execute(ctx context.Context, exec Executor, entry Entry) (attempt Attempt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, entry)
}
