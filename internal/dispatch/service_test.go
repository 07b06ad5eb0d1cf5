package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-dispatch/internal/gateway"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/template"
)

type fakeGateway struct {
	mu    sync.Mutex
	errs  []error
	sent  []gateway.Message
	calls int
	block bool
	panic bool
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) Send(ctx context.Context, msg gateway.Message) (gateway.Result, error) {
	f.mu.Lock()
	f.calls++
	block, shouldPanic := f.block, f.panic
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	if shouldPanic {
		panic("provider sdk bug")
	}
	if block {
		<-ctx.Done()
		return gateway.Result{}, gateway.Transient("fake", ctx.Err())
	}
	if err != nil {
		return gateway.Result{}, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return gateway.Result{MessageID: "msg-1", Gateway: "fake"}, nil
}

func (f *fakeGateway) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type staticSource struct {
	gw  gateway.Gateway
	err error
}

func (s staticSource) Active(context.Context) (gateway.Gateway, error) {
	return s.gw, s.err
}

type records struct {
	mu   sync.Mutex
	list []ledger.Record
}

func (r *records) Record(rec ledger.Record) {
	r.mu.Lock()
	r.list = append(r.list, rec)
	r.mu.Unlock()
}

func (r *records) Outcomes() []ledger.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Outcome, 0, len(r.list))
	for _, rec := range r.list {
		out = append(out, rec.Outcome)
	}
	return out
}

type harness struct {
	svc     *Service
	gw      *fakeGateway
	repo    *template.MemoryRepository
	queue   *queue.MemoryRepository
	engine  *queue.Engine
	markers *ledger.MemoryMarkers
	audit   *records
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := t.Context()
	repo := template.NewMemoryRepository()
	_, err := template.Seed(ctx, repo)
	require.NoError(t, err)

	for _, slug := range []string{"welcome", "password-reset"} {
		fn, err := repo.FunctionBySlug(ctx, slug)
		require.NoError(t, err)
		tpl, err := repo.CreateTemplate(ctx, template.Template{
			Slug:        slug + "-default",
			Name:        slug,
			Subject:     "Hello {{userName}}",
			HTMLContent: "<p>{{userName}} {{resetUrl}}</p>",
			TextContent: "{{userName}} {{resetUrl}}",
			IsActive:    true,
		})
		require.NoError(t, err)
		_, err = repo.Assign(ctx, template.Assignment{FunctionID: fn.ID, TemplateID: tpl.ID, Priority: 1, IsActive: true})
		require.NoError(t, err)
	}

	h := &harness{
		gw:      &fakeGateway{},
		repo:    repo,
		queue:   queue.NewMemoryRepository(),
		markers: ledger.NewMemoryMarkers(),
		audit:   &records{},
		now:     time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	h.engine = &queue.Engine{
		Repo:   h.queue,
		Policy: queue.DefaultPolicy(),
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return h.now },
	}
	h.svc = NewService(Deps{
		Resolver:    template.NewResolver(repo),
		Gateways:    staticSource{gw: h.gw},
		Queue:       h.engine,
		Markers:     h.markers,
		Audit:       h.audit,
		SendTimeout: 200 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})
	h.engine.Executor = h.svc
	return h
}

var welcome = Request{
	Function:  "welcome",
	Recipient: "a@example.com",
	Variables: map[string]string{"userName": "Ana", "userEmail": "a@example.com"},
}

func TestDispatchSent(t *testing.T) {
	h := newHarness(t)

	res := h.svc.Dispatch(t.Context(), welcome)
	assert.Equal(t, ledger.OutcomeSent, res.Outcome)
	assert.Equal(t, "msg-1", res.MessageID)
	assert.Equal(t, "fake", res.Gateway)
	require.Len(t, h.gw.sent, 1)
	assert.Equal(t, "Hello Ana", h.gw.sent[0].Subject)
	assert.Equal(t, "welcome", h.gw.sent[0].Tag)
	assert.Equal(t, []ledger.Outcome{ledger.OutcomeSent}, h.audit.Outcomes())

	sent, err := h.markers.HasSent(t.Context(), "a@example.com", "welcome")
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestDispatchSendOnceCallsGatewayOnce(t *testing.T) {
	h := newHarness(t)

	first := h.svc.Dispatch(t.Context(), welcome)
	second := h.svc.Dispatch(t.Context(), welcome)

	assert.Equal(t, ledger.OutcomeSent, first.Outcome)
	assert.Equal(t, ledger.OutcomeSent, second.Outcome)
	assert.Equal(t, 1, h.gw.Calls())
}

func TestDispatchSendOnceConcurrent(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, ledger.OutcomeSent, h.svc.Dispatch(context.Background(), welcome).Outcome)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.gw.Calls())
}

func TestSendTestBypassesMarker(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, ledger.OutcomeSent, h.svc.Dispatch(t.Context(), welcome).Outcome)
	res := h.svc.SendTest(t.Context(), welcome)
	assert.Equal(t, ledger.OutcomeSent, res.Outcome)
	assert.Equal(t, 2, h.gw.Calls())
}

func TestDispatchMissingVariableNeverReachesGateway(t *testing.T) {
	h := newHarness(t)
	req := welcome
	req.Variables = map[string]string{"userEmail": "a@example.com"}

	res := h.svc.Dispatch(t.Context(), req)
	assert.Equal(t, ledger.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Detail, "userName")
	assert.Zero(t, h.gw.Calls())

	// the claim was released, so a corrected request goes out
	assert.Equal(t, ledger.OutcomeSent, h.svc.Dispatch(t.Context(), welcome).Outcome)
}

func TestDispatchUnusedRequiredVariableMayBeOmitted(t *testing.T) {
	h := newHarness(t)
	req := welcome
	req.Variables = map[string]string{"userName": "Ana"}

	res := h.svc.Dispatch(t.Context(), req)
	assert.Equal(t, ledger.OutcomeSent, res.Outcome)
	assert.Equal(t, 1, h.gw.Calls())
}

func TestSendOnceShortCircuitsBeforeResolution(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, ledger.OutcomeSent, h.svc.Dispatch(t.Context(), welcome).Outcome)

	fn, err := h.repo.FunctionBySlug(t.Context(), "welcome")
	require.NoError(t, err)
	fn.IsActive = false
	_, err = h.repo.UpdateFunction(t.Context(), fn)
	require.NoError(t, err)

	res := h.svc.Dispatch(t.Context(), welcome)
	assert.Equal(t, ledger.OutcomeSent, res.Outcome)
	assert.Equal(t, 1, h.gw.Calls())
	assert.Equal(t, []ledger.Outcome{ledger.OutcomeSent}, h.audit.Outcomes())

	// a recipient without a marker still fails resolution, and the claim
	// taken for them is released
	other := Request{Function: "welcome", Recipient: "b@example.com", Variables: welcome.Variables}
	assert.Equal(t, ledger.OutcomeFailed, h.svc.Dispatch(t.Context(), other).Outcome)
	fn.IsActive = true
	_, err = h.repo.UpdateFunction(t.Context(), fn)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeSent, h.svc.Dispatch(t.Context(), other).Outcome)
}

func TestDispatchResolutionFailures(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  Request
	}{
		{name: "unknown function", req: Request{Function: "nope", Recipient: "a@example.com"}},
		{name: "no template", req: Request{Function: "order-shipped", Recipient: "a@example.com"}},
		{name: "bad recipient", req: Request{Function: "welcome", Recipient: "not-an-address"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := h.svc.Dispatch(t.Context(), tc.req)
			assert.Equal(t, ledger.OutcomeFailed, res.Outcome)
		})
	}
	assert.Zero(t, h.gw.Calls())
	entries, err := h.queue.List(t.Context(), queue.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDispatchTransientQueues(t *testing.T) {
	h := newHarness(t)
	h.gw.errs = []error{gateway.Transient("fake", errors.New("503 service unavailable"))}

	res := h.svc.Dispatch(t.Context(), welcome)
	require.Equal(t, ledger.OutcomeQueued, res.Outcome)
	require.NotNil(t, res.EntryID)
	assert.Equal(t, []ledger.Outcome{ledger.OutcomeQueued}, h.audit.Outcomes())

	entry, err := h.queue.Get(t.Context(), *res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, entry.Status)
	assert.Zero(t, entry.RetryCount)
	assert.Equal(t, 3, entry.MaxRetries)
	assert.Equal(t, h.now.Add(30*time.Minute), entry.NextRetryAt)
	assert.True(t, entry.SendOnce)
	assert.Equal(t, "Ana", entry.Variables["userName"])

	// the claim is held while the retry is pending
	again := h.svc.Dispatch(t.Context(), welcome)
	assert.Equal(t, ledger.OutcomeSent, again.Outcome)
	assert.Equal(t, 1, h.gw.Calls())
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	h := newHarness(t)
	h.gw.block = true

	start := time.Now()
	res := h.svc.Dispatch(t.Context(), Request{
		Function:  "password-reset",
		Recipient: "a@example.com",
		Variables: map[string]string{"userName": "Ana", "resetToken": "t", "resetUrl": "https://x"},
	})
	assert.Equal(t, ledger.OutcomeQueued, res.Outcome)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, res.Detail, "timed out")
}

func TestDispatchPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "rejected", err: gateway.Rejected("fake", errors.New("invalid recipient"))},
		{name: "configuration", err: gateway.Misconfigured("fake", errors.New("bad api key"))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.gw.errs = []error{tc.err}

			res := h.svc.Dispatch(t.Context(), welcome)
			assert.Equal(t, ledger.OutcomeFailed, res.Outcome)
			assert.Equal(t, []ledger.Outcome{ledger.OutcomeFailed}, h.audit.Outcomes())

			entries, err := h.queue.List(t.Context(), queue.ListFilter{})
			require.NoError(t, err)
			assert.Empty(t, entries)

			sent, err := h.markers.HasSent(t.Context(), "a@example.com", "welcome")
			require.NoError(t, err)
			assert.False(t, sent)
			assert.Equal(t, ledger.OutcomeSent, h.svc.Dispatch(t.Context(), welcome).Outcome, "claim was released")
		})
	}
}

func TestDispatchMisconfiguredGatewayFails(t *testing.T) {
	h := newHarness(t)
	h.svc.gateways = staticSource{err: gateway.Misconfigured("resend", errors.New("resend api key is not set"))}

	res := h.svc.Dispatch(t.Context(), welcome)
	assert.Equal(t, ledger.OutcomeFailed, res.Outcome)
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	h := newHarness(t)
	h.gw.panic = true

	res := h.svc.Dispatch(t.Context(), welcome)
	assert.Equal(t, ledger.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Detail, "internal error")
}

func TestQueuedDispatchCompletesOnRetry(t *testing.T) {
	h := newHarness(t)
	transient := gateway.Transient("fake", errors.New("connection refused"))
	h.gw.errs = []error{transient, transient}

	res := h.svc.Dispatch(t.Context(), welcome)
	require.Equal(t, ledger.OutcomeQueued, res.Outcome)

	// first retry fails again, second succeeds
	for i := 0; i < 2; i++ {
		h.now = h.now.Add(25 * time.Hour)
		_, err := h.engine.ProcessDue(t.Context())
		require.NoError(t, err)
	}

	entry, err := h.queue.Get(t.Context(), *res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, 3, h.gw.Calls())

	sent, err := h.markers.HasSent(t.Context(), "a@example.com", "welcome")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t,
		[]ledger.Outcome{ledger.OutcomeQueued, ledger.OutcomeQueued, ledger.OutcomeSent},
		h.audit.Outcomes())
}

func TestQueuedRetrySurvivesDeactivation(t *testing.T) {
	h := newHarness(t)
	h.gw.errs = []error{gateway.Transient("fake", errors.New("503"))}
	res := h.svc.Dispatch(t.Context(), welcome)
	require.Equal(t, ledger.OutcomeQueued, res.Outcome)

	fn, err := h.repo.FunctionBySlug(t.Context(), "welcome")
	require.NoError(t, err)
	fn.IsActive = false
	_, err = h.repo.UpdateFunction(t.Context(), fn)
	require.NoError(t, err)

	h.now = h.now.Add(time.Hour)
	report, err := h.engine.ProcessDue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	// new dispatches fail resolution
	assert.Equal(t, ledger.OutcomeFailed, h.svc.Dispatch(t.Context(), Request{Function: "welcome", Recipient: "b@example.com", Variables: welcome.Variables}).Outcome)
}

func TestRetryExhaustionReleasesClaim(t *testing.T) {
	h := newHarness(t)
	transient := gateway.Transient("fake", errors.New("connection refused"))
	h.gw.errs = []error{transient, transient, transient, transient}

	res := h.svc.Dispatch(t.Context(), welcome)
	require.Equal(t, ledger.OutcomeQueued, res.Outcome)
	for i := 0; i < 3; i++ {
		h.now = h.now.Add(25 * time.Hour)
		_, err := h.engine.ProcessDue(t.Context())
		require.NoError(t, err)
	}

	entry, err := h.queue.Get(t.Context(), *res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, entry.Status)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Equal(t, 4, h.gw.Calls())

	outcomes := h.audit.Outcomes()
	assert.Equal(t, ledger.OutcomeFailed, outcomes[len(outcomes)-1])

	sent, err := h.markers.HasSent(t.Context(), "a@example.com", "welcome")
	require.NoError(t, err)
	assert.False(t, sent)
}

type batchingGateway struct {
	*fakeGateway
	opened, closed int
}

func (b *batchingGateway) OpenBatch(context.Context) (gateway.Batch, error) {
	b.opened++
	return batch{b}, nil
}

type batch struct{ *batchingGateway }

func (b batch) Close() error {
	b.closed++
	return nil
}

func TestRetryPassUsesOneBatch(t *testing.T) {
	h := newHarness(t)
	bg := &batchingGateway{fakeGateway: h.gw}
	h.svc.gateways = staticSource{gw: bg}
	h.gw.errs = []error{
		gateway.Transient("fake", errors.New("503")),
		gateway.Transient("fake", errors.New("503")),
	}
	reset := func(to string) Request {
		return Request{Function: "password-reset", Recipient: to, Variables: map[string]string{"userName": "A", "resetToken": "t", "resetUrl": "u"}}
	}
	require.Equal(t, ledger.OutcomeQueued, h.svc.Dispatch(t.Context(), reset("a@example.com")).Outcome)
	require.Equal(t, ledger.OutcomeQueued, h.svc.Dispatch(t.Context(), reset("b@example.com")).Outcome)

	h.now = h.now.Add(time.Hour)
	report, err := h.engine.ProcessDue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, bg.opened)
	assert.Equal(t, 1, bg.closed)
}

func TestDispatchPanicReleasesClaim(t *testing.T) {
	h := newHarness(t)
	h.gw.panic = true
	require.Equal(t, ledger.OutcomeFailed, h.svc.Dispatch(t.Context(), welcome).Outcome)

	h.gw.panic = false
	assert.Equal(t, ledger.OutcomeSent, h.svc.Dispatch(t.Context(), welcome).Outcome)
	assert.Equal(t, 2, h.gw.Calls())
}
