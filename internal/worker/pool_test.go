package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/repository/memory"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

// scriptedSender answers per customer id: "fail", "error", "panic",
// otherwise success.
type scriptedSender struct {
	mu     sync.Mutex
	script map[string]string
	bodies map[string]string
}

func (s *scriptedSender) Send(_ context.Context, msg sending.Message) (sending.Result, error) {
	s.mu.Lock()
	if s.bodies == nil {
		s.bodies = map[string]string{}
	}
	s.bodies[msg.Customer.CustomerID] = msg.Body
	action := s.script[msg.Customer.CustomerID]
	s.mu.Unlock()

	switch action {
	case "fail":
		return sending.Result{Outcome: sending.DispatchFailed}, nil
	case "error":
		return sending.Result{}, errors.New("vendor unreachable")
	case "panic":
		panic("vendor exploded")
	}
	return sending.Result{Outcome: sending.DispatchSuccessful, MessageID: "m-" + msg.Customer.CustomerID}, nil
}

type confirmerFunc func(ctx context.Context, u campaign.StatusUpdate) (campaign.Outcome, error)

func (f confirmerFunc) Confirm(ctx context.Context, u campaign.StatusUpdate) (campaign.Outcome, error) {
	return f(ctx, u)
}

func customers(ids ...string) []domain.Customer {
	out := make([]domain.Customer, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Customer{ID: "ref-" + id, CustomerID: id, Name: "Cust " + id, Email: id + "@example.com"})
	}
	return out
}

func seedCampaign(t *testing.T, store *memory.CampaignStore, id string, audience []domain.Customer) {
	t.Helper()
	c := domain.NewCampaign(id, "seg-1", "Hi {{name}}", "tester", audience, time.Now())
	require.NoError(t, store.Create(context.Background(), c))
}

func heldLock(t *testing.T, locks *distlock.LocalLocks, campaignID string) distlock.DistLock {
	t.Helper()
	l := locks.Lock(campaign.DispatchLockKey(campaignID))
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return l
}

func shutdown(t *testing.T, p *DispatchPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestDispatchPool_RecordsOutcomes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := memory.NewCampaignStore()
	audience := customers("c1", "c2", "c3", "c4")
	seedCampaign(t, store, "camp-1", audience)

	sender := &scriptedSender{script: map[string]string{"c2": "fail", "c3": "error", "c4": "panic"}}
	pool := NewDispatchPool(sender, campaign.NewTracker(store), PoolConfig{MaxConcurrency: 2})

	locks := distlock.NewLocalLocks()
	lock := heldLock(t, locks, "camp-1")
	require.NoError(t, pool.Submit(campaign.DispatchJob{
		CampaignID: "camp-1",
		Template:   "Hi {{name}}",
		Audience:   audience,
		Lock:       lock,
	}))
	shutdown(t, pool)

	got, err := store.Get(context.Background(), "camp-1")
	require.NoError(t, err)
	want := map[string]domain.RecipientStatus{
		"c1": domain.RecipientSent,
		"c2": domain.RecipientFailed,
		"c3": domain.RecipientFailed,
		"c4": domain.RecipientFailed,
	}
	for _, r := range got.Recipients {
		assert.Equal(t, want[r.CustomerID], r.Status, r.CustomerID)
		assert.NotNil(t, r.LastUpdated)
	}
	assert.Equal(t, domain.StatusCounts{Sent: 1, Failed: 3}, got.StatusCounts)
	assert.Equal(t, "Hi Cust c1", sender.bodies["c1"])

	ok, err := locks.Lock(campaign.DispatchLockKey("camp-1")).Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "dispatch lock must be released when the job ends")
}

func TestDispatchPool_ConfirmerFallback(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := memory.NewCampaignStore()
	audience := customers("c1", "c2")
	seedCampaign(t, store, "camp-2", audience)

	var confirmed int32
	confirmer := confirmerFunc(func(_ context.Context, u campaign.StatusUpdate) (campaign.Outcome, error) {
		atomic.AddInt32(&confirmed, 1)
		if u.CustomerID == "c1" {
			return "", errors.New("post receipt: connection refused")
		}
		return "", ErrReceiptRejected
	})
	pool := NewDispatchPool(&scriptedSender{}, campaign.NewTracker(store), PoolConfig{}, WithConfirmer(confirmer))

	require.NoError(t, pool.Submit(campaign.DispatchJob{CampaignID: "camp-2", Template: "Hi", Audience: audience}))
	shutdown(t, pool)

	got, err := store.Get(context.Background(), "camp-2")
	require.NoError(t, err)
	r1, _ := got.Recipient("c1")
	r2, _ := got.Recipient("c2")
	assert.Equal(t, domain.RecipientSent, r1.Status, "transport failure falls back to the tracker")
	assert.Equal(t, domain.RecipientPending, r2.Status, "a rejected receipt is not re-applied")
	assert.Equal(t, domain.StatusCounts{Pending: 1, Sent: 1}, got.StatusCounts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&confirmed))
}

// failingApplier rejects every update.
type failingApplier struct{}

func (failingApplier) ApplyStatus(context.Context, campaign.StatusUpdate) (campaign.Outcome, error) {
	return "", errors.New("store down")
}

func TestDispatchPool_UnrecordedOutcomeLeavesPending(t *testing.T) {
	store := memory.NewCampaignStore()
	audience := customers("c1")
	seedCampaign(t, store, "camp-3", audience)

	pool := NewDispatchPool(&scriptedSender{}, failingApplier{}, PoolConfig{})
	require.NoError(t, pool.Submit(campaign.DispatchJob{CampaignID: "camp-3", Template: "Hi", Audience: audience}))
	shutdown(t, pool)

	got, err := store.Get(context.Background(), "camp-3")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounts{Pending: 1}, got.StatusCounts)
}

// gatedSender tracks the highest number of concurrent sends.
type gatedSender struct {
	inFlight, peak int32
}

func (s *gatedSender) Send(ctx context.Context, _ sending.Message) (sending.Result, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&s.inFlight, -1)
	return sending.Result{Outcome: sending.DispatchSuccessful}, nil
}

func TestDispatchPool_BoundsConcurrencyAcrossJobs(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := memory.NewCampaignStore()
	a := customers("a1", "a2", "a3", "a4", "a5", "a6")
	b := customers("b1", "b2", "b3", "b4", "b5", "b6")
	seedCampaign(t, store, "camp-a", a)
	seedCampaign(t, store, "camp-b", b)

	sender := &gatedSender{}
	pool := NewDispatchPool(sender, campaign.NewTracker(store), PoolConfig{MaxConcurrency: 3})
	require.NoError(t, pool.Submit(campaign.DispatchJob{CampaignID: "camp-a", Template: "x", Audience: a}))
	require.NoError(t, pool.Submit(campaign.DispatchJob{CampaignID: "camp-b", Template: "x", Audience: b}))
	shutdown(t, pool)

	assert.LessOrEqual(t, atomic.LoadInt32(&sender.peak), int32(3))
	for _, id := range []string{"camp-a", "camp-b"} {
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCounts{Sent: 6}, got.StatusCounts)
	}
}

func TestDispatchPool_RecipientTimeout(t *testing.T) {
	store := memory.NewCampaignStore()
	audience := customers("slow")
	seedCampaign(t, store, "camp-t", audience)

	sender := NewSimulatedSender(0, WithLatency(time.Second, time.Second))
	pool := NewDispatchPool(sender, campaign.NewTracker(store), PoolConfig{RecipientTimeout: 20 * time.Millisecond})
	require.NoError(t, pool.Submit(campaign.DispatchJob{CampaignID: "camp-t", Template: "x", Audience: audience}))
	shutdown(t, pool)

	got, err := store.Get(context.Background(), "camp-t")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounts{Failed: 1}, got.StatusCounts)
}

func TestDispatchPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewDispatchPool(&scriptedSender{}, failingApplier{}, PoolConfig{})
	shutdown(t, pool)

	err := pool.Submit(campaign.DispatchJob{CampaignID: "late"})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestDispatchPool_ShutdownDeadlineCancelsSends(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := memory.NewCampaignStore()
	audience := customers("c1", "c2", "c3")
	seedCampaign(t, store, "camp-s", audience)

	sender := NewSimulatedSender(0, WithLatency(time.Minute, time.Minute))
	pool := NewDispatchPool(sender, campaign.NewTracker(store), PoolConfig{MaxConcurrency: 1})
	require.NoError(t, pool.Submit(campaign.DispatchJob{CampaignID: "camp-s", Template: "x", Audience: audience}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := store.Get(context.Background(), "camp-s")
	require.NoError(t, err)
	assert.Equal(t, 3, got.StatusCounts.Total())
	assert.GreaterOrEqual(t, got.StatusCounts.Pending, 2, "recipients never started stay pending")
}
