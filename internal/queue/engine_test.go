package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedExecutor returns errs in order, then succeeds.
type scriptedExecutor struct {
	mu        sync.Mutex
	errs      []error
	calls     int
	finalized []Status
}

func (s *scriptedExecutor) Execute(context.Context, Entry) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return Attempt{Gateway: "resend"}, err
	}
	return Attempt{Gateway: "resend", MessageID: "m-1"}, nil
}

func (s *scriptedExecutor) Finalize(_ context.Context, _ Entry, _ Attempt, status Status, _ error) {
	s.mu.Lock()
	s.finalized = append(s.finalized, status)
	s.mu.Unlock()
}

type recordingSink struct {
	entries []Entry
}

func (r *recordingSink) PublishDeadLetter(_ context.Context, e Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func newEngine(exec Executor) (*Engine, *MemoryRepository, *clock) {
	repo := NewMemoryRepository()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &Engine{
		Repo:     repo,
		Executor: exec,
		Policy:   DefaultPolicy(),
		Logger:   zerolog.Nop(),
		Now:      clk.Now,
	}, repo, clk
}

func seed(t *testing.T, e *Engine) Entry {
	t.Helper()
	entry, err := e.Enqueue(t.Context(), Entry{
		FunctionSlug: "order-shipped",
		Recipient:    "a@example.com",
		Variables:    map[string]string{"orderNumber": "42"},
		NextRetryAt:  e.now(),
	})
	require.NoError(t, err)
	return entry
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{30 * time.Minute, time.Hour, 2 * time.Hour, 4 * time.Hour, 8 * time.Hour, 16 * time.Hour, 24 * time.Hour, 24 * time.Hour}
	for i, d := range want {
		assert.Equal(t, d, p.Delay(i), "retry %d", i)
	}
	assert.Equal(t, 24*time.Hour, p.Delay(1000))
}

func TestFailTwiceThenSucceed(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{errors.New("timeout"), errors.New("503")}}
	engine, repo, clk := newEngine(exec)
	entry := seed(t, engine)

	for i := 0; i < 3; i++ {
		_, err := engine.ProcessDue(t.Context())
		require.NoError(t, err)
		clk.Advance(25 * time.Hour)
	}

	got, err := repo.Get(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 3, exec.calls)
	assert.Equal(t, []Status{StatusPending, StatusPending, StatusCompleted}, exec.finalized)
}

func TestExhaustedEntryFailsAndStaysFailed(t *testing.T) {
	boom := errors.New("connection refused")
	exec := &scriptedExecutor{errs: []error{boom, boom, boom, boom}}
	engine, repo, clk := newEngine(exec)
	sink := &recordingSink{}
	engine.DeadLetters = sink
	entry := seed(t, engine)

	for i := 0; i < 4; i++ {
		_, err := engine.ProcessDue(t.Context())
		require.NoError(t, err)
		clk.Advance(25 * time.Hour)
	}

	got, err := repo.Get(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "connection refused", got.LastError)
	assert.Equal(t, 3, exec.calls)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, entry.ID, sink.entries[0].ID)
}

func TestRescheduleUsesBackoff(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{errors.New("503")}}
	engine, repo, clk := newEngine(exec)
	entry := seed(t, engine)

	report, err := engine.ProcessDue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Report{Claimed: 1, Retried: 1}, report)

	got, err := repo.Get(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, clk.Now().Add(time.Hour), got.NextRetryAt)

	report, err = engine.ProcessDue(t.Context())
	require.NoError(t, err)
	assert.Zero(t, report.Claimed, "entry is not due yet")
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{backoff.Permanent(errors.New("invalid recipient"))}}
	engine, repo, _ := newEngine(exec)
	entry := seed(t, engine)

	report, err := engine.ProcessDue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := repo.Get(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

type executorFunc func(context.Context, Entry) (Attempt, error)

func (f executorFunc) Execute(ctx context.Context, e Entry) (Attempt, error) { return f(ctx, e) }

// cancellingExecutor stops the pass mid-send, the way a shutdown signal
// would, and reports the resulting transport error.
type cancellingExecutor struct {
	scriptedExecutor
	cancel context.CancelFunc
}

func (c *cancellingExecutor) Execute(ctx context.Context, _ Entry) (Attempt, error) {
	c.cancel()
	<-ctx.Done()
	return Attempt{Gateway: "smtp"}, errors.New("write tcp: use of closed network connection")
}

func TestCancelledPassReleasesEntryWithoutCountingAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	exec := &cancellingExecutor{cancel: cancel}
	engine, repo, _ := newEngine(exec)
	entry := seed(t, engine)

	report, err := engine.ProcessDue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Claimed)
	assert.Zero(t, report.Retried)
	assert.Zero(t, report.Failed)

	got, err := repo.Get(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.Equal(t, entry.NextRetryAt, got.NextRetryAt)
	assert.Empty(t, exec.finalized, "no attempt is recorded")
}

func TestCancelledPassStillRecordsPermanentFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	exec := &scriptedExecutor{errs: []error{backoff.Permanent(errors.New("template not found"))}}
	engine, repo, _ := newEngine(executorFunc(func(ctx context.Context, e Entry) (Attempt, error) {
		cancel()
		return exec.Execute(ctx, e)
	}))
	entry := seed(t, engine)

	_, err := engine.ProcessDue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	got, err := repo.Get(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, Entry) (Attempt, error) {
	panic("nil template")
}

func TestExecutorPanicIsRetried(t *testing.T) {
	engine, repo, _ := newEngine(panickingExecutor{})
	entry := seed(t, engine)

	_, err := engine.ProcessDue(t.Context())
	require.NoError(t, err)

	got, err := repo.Get(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Contains(t, got.LastError, "panic")
}

func TestStaleSweepKeepsRetryCount(t *testing.T) {
	engine, repo, clk := newEngine(&scriptedExecutor{})
	entry, err := engine.Enqueue(t.Context(), Entry{
		FunctionSlug: "order-shipped",
		Recipient:    "a@example.com",
		RetryCount:   1,
		NextRetryAt:  clk.Now(),
	})
	require.NoError(t, err)

	claimed, err := repo.Claim(t.Context(), clk.Now())
	require.NoError(t, err)
	assert.Equal(t, entry.ID, claimed.ID)

	clk.Advance(11 * time.Minute)
	report, err := engine.ProcessDue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reverted)
	assert.Equal(t, 1, report.Completed)

	got, err := repo.Get(t.Context(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestPurgeFailed(t *testing.T) {
	exec := &scriptedExecutor{errs: []error{backoff.Permanent(errors.New("bad"))}}
	engine, repo, clk := newEngine(exec)
	entry := seed(t, engine)

	_, err := engine.ProcessDue(t.Context())
	require.NoError(t, err)

	clk.Advance(8 * 24 * time.Hour)
	report, err := engine.ProcessDue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)

	_, err = repo.Get(t.Context(), entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalEntriesAreNotMutated(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now()
	e, err := repo.Enqueue(t.Context(), Entry{FunctionSlug: "x", Recipient: "r", MaxRetries: 3, NextRetryAt: now})
	require.NoError(t, err)

	assert.ErrorIs(t, repo.Complete(t.Context(), e.ID, now), ErrNotProcessing)
	_, err = repo.Claim(t.Context(), now)
	require.NoError(t, err)
	require.NoError(t, repo.Complete(t.Context(), e.ID, now))
	assert.ErrorIs(t, repo.Fail(t.Context(), e.ID, "late", now), ErrNotProcessing)
	assert.ErrorIs(t, repo.Complete(t.Context(), uuid.New(), now), ErrNotFound)
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now()
	const entries = 20
	for i := 0; i < entries; i++ {
		_, err := repo.Enqueue(t.Context(), Entry{FunctionSlug: "x", Recipient: "r", MaxRetries: 3, NextRetryAt: now})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := repo.Claim(context.Background(), now)
				if err != nil {
					return
				}
				mu.Lock()
				seen[e.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, entries)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s claimed more than once", id)
	}
}

func TestProcessDueWithWorkers(t *testing.T) {
	exec := &scriptedExecutor{}
	engine, _, _ := newEngine(exec)
	engine.Policy.Workers = 4
	engine.Policy.BatchSize = 10
	for i := 0; i < 15; i++ {
		seed(t, engine)
	}

	report, err := engine.ProcessDue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 10, report.Claimed)
	assert.Equal(t, 10, report.Completed)

	report, err = engine.ProcessDue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Completed)
}
