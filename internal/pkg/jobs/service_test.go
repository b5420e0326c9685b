package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rankpulse/rankpulse/app/models"
	"github.com/rankpulse/rankpulse/internal/pkg/credits"
	"github.com/rankpulse/rankpulse/internal/pkg/guards"
	"github.com/rankpulse/rankpulse/internal/pkg/taskqueue"
)

// fakeLedger implements Ledger with the same idempotency contract as the
// credits service: one debit and at most one refund per key.
type fakeLedger struct {
	total, used int64
	debits      map[string]int64
	refunds     map[string]bool
	deductCalls int
	failDeduct  bool
	failRefund  bool
}

func newFakeLedger(total, used int64) *fakeLedger {
	return &fakeLedger{
		total:   total,
		used:    used,
		debits:  make(map[string]int64),
		refunds: make(map[string]bool),
	}
}

func (l *fakeLedger) remaining() int64 {
	r := l.total - l.used
	if r < 0 {
		return 0
	}
	return r
}

func (l *fakeLedger) GetBalance(_ context.Context, _ uint) (credits.Balance, error) {
	return credits.Balance{Total: l.total, Used: l.used, Remaining: l.remaining()}, nil
}

func (l *fakeLedger) Deduct(_ context.Context, _ uint, amount int64, _, _, key string) (credits.DeductResult, error) {
	if l.failDeduct {
		return credits.DeductResult{}, credits.ErrLedger
	}
	l.deductCalls++
	if _, ok := l.debits[key]; ok {
		return credits.DeductResult{Remaining: l.remaining(), AlreadyApplied: true}, nil
	}
	if l.remaining() < amount {
		return credits.DeductResult{}, credits.ErrInsufficientCredits
	}
	l.used += amount
	l.debits[key] = amount
	return credits.DeductResult{Remaining: l.remaining()}, nil
}

func (l *fakeLedger) Refund(_ context.Context, _ uint, amount int64, key, _ string) (credits.RefundResult, error) {
	if l.failRefund {
		return credits.RefundResult{}, credits.ErrLedger
	}
	if _, ok := l.debits[key]; !ok {
		return credits.RefundResult{}, credits.ErrNoSuchDebit
	}
	if l.refunds[key] {
		return credits.RefundResult{Remaining: l.remaining(), AlreadyRefunded: true}, nil
	}
	l.refunds[key] = true
	l.used -= amount
	if l.used < 0 {
		l.used = 0
	}
	return credits.RefundResult{Remaining: l.remaining()}, nil
}

type fakeRepo struct {
	byID    map[string]*models.Job
	byKey   map[string]*models.Job
	failAll bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[string]*models.Job), byKey: make(map[string]*models.Job)}
}

func (r *fakeRepo) CreateIfAbsent(_ context.Context, job *models.Job) (*models.Job, bool, error) {
	if r.failAll {
		return nil, false, fmt.Errorf("storage down")
	}
	if existing, ok := r.byKey[job.IdempotencyKey]; ok {
		return existing, false, nil
	}
	stored := *job
	stored.CreatedAt = time.Now()
	r.byID[stored.ID] = &stored
	r.byKey[stored.IdempotencyKey] = &stored
	return &stored, true, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*models.Job, error) {
	if job, ok := r.byID[id]; ok {
		copied := *job
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetByIdempotencyKey(_ context.Context, key string) (*models.Job, error) {
	if job, ok := r.byKey[key]; ok {
		copied := *job
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) SetQueueMessageID(_ context.Context, id, messageID string) error {
	if job, ok := r.byID[id]; ok {
		job.QueueMessageID = messageID
	}
	return nil
}

func (r *fakeRepo) MarkProcessing(_ context.Context, id string) (bool, error) {
	job, ok := r.byID[id]
	if !ok || job.Status != models.JobStatusQueued {
		return false, nil
	}
	job.Status = models.JobStatusProcessing
	return true, nil
}

func (r *fakeRepo) MarkCompleted(_ context.Context, id string) (bool, error) {
	job, ok := r.byID[id]
	if !ok || job.IsTerminal() {
		return false, nil
	}
	job.Status = models.JobStatusCompleted
	return true, nil
}

func (r *fakeRepo) MarkFailed(_ context.Context, id, errorMessage string) (bool, error) {
	job, ok := r.byID[id]
	if !ok || job.IsTerminal() {
		return false, nil
	}
	job.Status = models.JobStatusFailed
	job.ErrorMessage = errorMessage
	return true, nil
}

func (r *fakeRepo) ListStaleQueued(_ context.Context, olderThan time.Time) ([]models.Job, error) {
	var out []models.Job
	for _, job := range r.byID {
		if job.Status == models.JobStatusQueued && job.CreatedAt.Before(olderThan) {
			out = append(out, *job)
		}
	}
	return out, nil
}

type fakeQueue struct {
	published   int
	failWith    error
	lastBody    []byte
	lastURL     string
	lastRetries int
}

func (q *fakeQueue) Publish(_ context.Context, endpointURL string, body []byte, retries int) (string, error) {
	if q.failWith != nil {
		return "", q.failWith
	}
	q.published++
	q.lastURL = endpointURL
	q.lastBody = body
	q.lastRetries = retries
	return fmt.Sprintf("msg-%d", q.published), nil
}

type fakeRunner struct {
	calls    int
	failWith error
}

func (r *fakeRunner) RefreshProject(_ context.Context, _ *models.Project) error {
	r.calls++
	return r.failWith
}

type fakeProjects struct {
	projects map[uint]*models.Project
}

func (p *fakeProjects) GetProjectForUser(_ context.Context, projectID, userID uint) (*models.Project, error) {
	if project, ok := p.projects[projectID]; ok && project.UserID == userID {
		return project, nil
	}
	return nil, gorm.ErrRecordNotFound
}

// fakeGuards tracks guard traffic in memory.
type fakeGuards struct {
	cooldowns    map[string]bool
	capCount     int64
	budgetCount  int64
	inflight     map[string]bool
	rejectKind   string
	budgetRolled int
	released     []string
}

func newFakeGuards() *fakeGuards {
	return &fakeGuards{cooldowns: make(map[string]bool), inflight: make(map[string]bool)}
}

func (g *fakeGuards) CheckCooldown(_ context.Context, userID uint, resource string) error {
	if g.rejectKind == guards.KindCooldown || g.cooldowns[fmt.Sprintf("%d:%s", userID, resource)] {
		return &guards.GuardError{Kind: guards.KindCooldown}
	}
	return nil
}

func (g *fakeGuards) SetCooldown(_ context.Context, userID uint, resource string, _ time.Duration) error {
	g.cooldowns[fmt.Sprintf("%d:%s", userID, resource)] = true
	return nil
}

func (g *fakeGuards) CheckDailyCap(_ context.Context, _ uint, limit int64) error {
	if g.rejectKind == guards.KindDailyCap || (limit > 0 && g.capCount >= limit) {
		return &guards.GuardError{Kind: guards.KindDailyCap}
	}
	return nil
}

func (g *fakeGuards) IncrementDailyCap(_ context.Context, _ uint) error {
	g.capCount++
	return nil
}

func (g *fakeGuards) ReserveProviderBudget(_ context.Context, limit int64) (string, error) {
	g.budgetCount++
	if g.rejectKind == guards.KindProviderBudget || (limit > 0 && g.budgetCount > limit) {
		g.budgetCount--
		return "", &guards.GuardError{Kind: guards.KindProviderBudget}
	}
	return fmt.Sprintf("budget:%d", g.budgetCount), nil
}

func (g *fakeGuards) ReleaseProviderBudget(_ context.Context, reservation string) error {
	if reservation == "" {
		return nil
	}
	g.budgetCount--
	g.budgetRolled++
	g.released = append(g.released, reservation)
	return nil
}

func (g *fakeGuards) AcquireInflight(_ context.Context, resourceKey string, _ time.Duration) (bool, error) {
	if g.inflight[resourceKey] {
		return false, nil
	}
	g.inflight[resourceKey] = true
	return true, nil
}

func (g *fakeGuards) ReleaseInflight(_ context.Context, resourceKey string) error {
	delete(g.inflight, resourceKey)
	return nil
}

type harness struct {
	svc    *Service
	repo   *fakeRepo
	ledger *fakeLedger
	queue  *fakeQueue
	runner *fakeRunner
	guards *fakeGuards
}

func newHarness(total, used int64) *harness {
	h := &harness{
		repo:   newFakeRepo(),
		ledger: newFakeLedger(total, used),
		queue:  &fakeQueue{},
		runner: &fakeRunner{},
		guards: newFakeGuards(),
	}
	projects := &fakeProjects{projects: map[uint]*models.Project{
		55: {ID: 55, UserID: 1, Name: "Example", Domain: "example.com", Keywords: "seo"},
	}}
	cfg := Config{
		CostPerJob:     3,
		CooldownWindow: time.Minute,
		DailyCap:       50,
		ProviderBudget: 30,
		PublishRetries: 3,
		CallbackURL:    "https://app.example/webhooks/queue-callback",
		InflightTTL:    2 * time.Minute,
		StaleAfter:     10 * time.Minute,
	}
	h.svc = NewService(cfg, h.repo, h.ledger, h.queue, h.runner, projects, h.guards)
	return h
}

func TestRequestJobSuccess(t *testing.T) {
	h := newHarness(10, 0)

	result, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(7), result.Remaining)
	assert.Equal(t, models.JobStatusQueued, result.Job.Status)
	assert.Equal(t, int64(3), result.Job.CreditsCharged)

	assert.Equal(t, 1, h.queue.published)
	assert.Equal(t, "https://app.example/webhooks/queue-callback", h.queue.lastURL)
	assert.Equal(t, 3, h.queue.lastRetries)
	assert.Contains(t, string(h.queue.lastBody), result.Job.ID)

	// Success side effects.
	assert.True(t, h.guards.cooldowns["1:live-refresh:55"])
	assert.Equal(t, int64(1), h.guards.capCount)
}

func TestRequestJobDuplicateDebitsOnce(t *testing.T) {
	h := newHarness(10, 0)

	first, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.NoError(t, err)

	// Clear the cooldown the first success set; the duplicate check must
	// short-circuit before guards anyway.
	h.guards.cooldowns = map[string]bool{}

	second, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, int64(7), second.Remaining)

	assert.Equal(t, 1, h.ledger.deductCalls, "duplicate must not touch the ledger")
	assert.Equal(t, 1, h.queue.published, "duplicate must not publish again")
}

func TestRequestJobInsufficientCredits(t *testing.T) {
	h := newHarness(10, 8)

	_, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)

	assert.Empty(t, h.repo.byID, "no job row on insufficient credits")
	assert.Equal(t, 0, h.queue.published)
	assert.Equal(t, int64(2), h.ledger.remaining(), "balance unchanged")
	assert.Equal(t, int64(0), h.guards.budgetCount, "budget slot released")
	assert.Equal(t, []string{"budget:1"}, h.guards.released, "release targets the reserved bucket")
}

func TestRequestJobCooldownRejectsBeforeLedger(t *testing.T) {
	h := newHarness(10, 0)
	h.guards.rejectKind = guards.KindCooldown

	_, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	ge, ok := guards.AsGuardError(err)
	require.True(t, ok)
	assert.Equal(t, guards.KindCooldown, ge.Kind)

	assert.Equal(t, 0, h.ledger.deductCalls)
	assert.Empty(t, h.repo.byID)
	assert.Equal(t, int64(10), h.ledger.remaining())
}

func TestRequestJobPublishFailureCompensates(t *testing.T) {
	h := newHarness(10, 5)
	h.queue.failWith = taskqueue.ErrPublishRejected

	_, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.ErrorIs(t, err, ErrQueuePublish)

	require.Len(t, h.repo.byID, 1)
	for _, job := range h.repo.byID {
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Contains(t, job.ErrorMessage, "queue publish failed")
	}
	assert.Equal(t, int64(5), h.ledger.remaining(), "refund restored the debit")
}

func TestRequestJobUnreachableQueueIsDistinct(t *testing.T) {
	h := newHarness(10, 0)
	h.queue.failWith = taskqueue.ErrUnreachable

	_, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.ErrorIs(t, err, ErrQueueUnreachable)
	assert.NotErrorIs(t, err, ErrQueuePublish)
	assert.Equal(t, int64(10), h.ledger.remaining())
}

func TestRequestJobUnknownProject(t *testing.T) {
	h := newHarness(10, 0)

	_, err := h.svc.RequestJob(context.Background(), 1, 999, "")
	require.ErrorIs(t, err, ErrProjectNotFound)

	// Ownership is part of the lookup.
	_, err = h.svc.RequestJob(context.Background(), 2, 55, "")
	require.ErrorIs(t, err, ErrProjectNotFound)
}

func TestProcessJobCompletes(t *testing.T) {
	h := newHarness(10, 0)
	result, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.NoError(t, err)

	outcome, err := h.svc.ProcessJob(context.Background(), result.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 1, h.runner.calls)

	stored, err := h.repo.GetByID(context.Background(), result.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
}

func TestProcessJobRedeliveryAfterTerminal(t *testing.T) {
	h := newHarness(10, 0)
	result, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.NoError(t, err)

	_, err = h.svc.ProcessJob(context.Background(), result.Job.ID)
	require.NoError(t, err)

	_, err = h.svc.ProcessJob(context.Background(), result.Job.ID)
	require.ErrorIs(t, err, ErrJobTerminal)
	assert.Equal(t, 1, h.runner.calls, "domain work must not re-run")
}

func TestProcessJobUnknownID(t *testing.T) {
	h := newHarness(10, 0)

	_, err := h.svc.ProcessJob(context.Background(), "no-such-job")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestProcessJobDomainFailureRefundsOnce(t *testing.T) {
	h := newHarness(10, 0)
	result, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.NoError(t, err)
	h.runner.failWith = errors.New("provider timeout")

	outcome, err := h.svc.ProcessJob(context.Background(), result.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailedRefunded, outcome)
	assert.Equal(t, int64(10), h.ledger.remaining())

	stored, _ := h.repo.GetByID(context.Background(), result.Job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "provider timeout")

	// Redelivery after the failure is acked, not re-refunded.
	_, err = h.svc.ProcessJob(context.Background(), result.Job.ID)
	require.ErrorIs(t, err, ErrJobTerminal)
	assert.Equal(t, int64(10), h.ledger.remaining())
}

func TestProcessJobInflightLoserBacksOff(t *testing.T) {
	h := newHarness(10, 0)
	result, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.NoError(t, err)

	h.guards.inflight["job:"+result.Job.ID] = true

	_, err = h.svc.ProcessJob(context.Background(), result.Job.ID)
	require.ErrorIs(t, err, ErrJobInProgress)
	assert.Equal(t, 0, h.runner.calls)
}

func TestReconcileStaleRefundsExactlyOnce(t *testing.T) {
	h := newHarness(10, 0)
	result, err := h.svc.RequestJob(context.Background(), 1, 55, "client-key")
	require.NoError(t, err)
	assert.Equal(t, int64(7), h.ledger.remaining())

	// Age the job past the threshold.
	h.repo.byID[result.Job.ID].CreatedAt = time.Now().Add(-time.Hour)

	results, err := h.svc.ReconcileStale(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, result.Job.ID, results[0].JobID)
	assert.True(t, results[0].Refunded)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, int64(10), h.ledger.remaining())

	stored, _ := h.repo.GetByID(context.Background(), result.Job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "staleness threshold")

	// Second sweep finds nothing: the job is terminal now.
	results, err = h.svc.ReconcileStale(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int64(10), h.ledger.remaining())
}

func TestReconcileStaleContinuesPastFailures(t *testing.T) {
	h := newHarness(100, 0)
	first, err := h.svc.RequestJob(context.Background(), 1, 55, "key-a")
	require.NoError(t, err)

	// Clear the cooldown the first success set so the second request passes
	// the guards; the sweep under test needs two stale jobs.
	h.guards.cooldowns = map[string]bool{}

	second, err := h.svc.RequestJob(context.Background(), 1, 55, "key-b")
	require.NoError(t, err)

	h.repo.byID[first.Job.ID].CreatedAt = time.Now().Add(-time.Hour)
	h.repo.byID[second.Job.ID].CreatedAt = time.Now().Add(-time.Hour)
	h.ledger.failRefund = true

	results, err := h.svc.ReconcileStale(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2, "sweep must settle every job independently")
	for _, r := range results {
		assert.False(t, r.Refunded)
		assert.Contains(t, r.Error, "refund")
	}
}

func TestResolveIdempotencyKey(t *testing.T) {
	key, err := ResolveIdempotencyKey("nonce-1", 1, 55)
	require.NoError(t, err)
	assert.Equal(t, "live-refresh:1:55:nonce-1", key)

	// Same header, different tenant: no collision.
	other, err := ResolveIdempotencyKey("nonce-1", 2, 55)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	// Empty header synthesizes a unique nonce.
	a, err := ResolveIdempotencyKey("", 1, 55)
	require.NoError(t, err)
	b, err := ResolveIdempotencyKey("", 1, 55)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = ResolveIdempotencyKey("bad key with spaces", 1, 55)
	require.ErrorIs(t, err, ErrInvalidClientKey)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	_, err = ResolveIdempotencyKey(string(long), 1, 55)
	require.Error(t, err)
}
