package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

// TracerName is the instrumentation scope for dispatch spans.
const TracerName = "github.com/ignite/campaign-engine/internal/worker"

// ErrPoolClosed is returned by Submit after Shutdown has started.
var ErrPoolClosed = errors.New("dispatch pool is shut down")

// StatusApplier applies a status update in-process.
type StatusApplier interface {
	ApplyStatus(ctx context.Context, u campaign.StatusUpdate) (campaign.Outcome, error)
}

// Confirmer reports a dispatch outcome through the delivery confirmation
// channel.
type Confirmer interface {
	Confirm(ctx context.Context, u campaign.StatusUpdate) (campaign.Outcome, error)
}

// PoolConfig sizes a DispatchPool.
type PoolConfig struct {
	// MaxConcurrency bounds in-flight sends across all campaigns.
	MaxConcurrency int
	// RecipientTimeout bounds one recipient's vendor call, and separately
	// its confirmation. Zero means no deadline.
	RecipientTimeout time.Duration
	// LockTTL is the lease kept alive on a job's dispatch lock.
	LockTTL time.Duration
}

// DefaultMaxConcurrency is used when PoolConfig.MaxConcurrency is unset.
const DefaultMaxConcurrency = 16

// DispatchPool runs campaign dispatch jobs in the background with bounded
// concurrency. Jobs run on the pool's own context so they outlive the
// request that launched them.
type DispatchPool struct {
	sender       sending.Sender
	tracker      StatusApplier
	confirmer    Confirmer
	personalizer *Personalizer
	sem          *semaphore.Weighted
	cfg          PoolConfig
	tracer       trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// PoolOption configures a DispatchPool.
type PoolOption func(*DispatchPool)

// WithConfirmer routes confirmations through c, falling back to the
// tracker when c fails in transit. Without it the pool applies updates to
// the tracker directly.
func WithConfirmer(c Confirmer) PoolOption {
	return func(p *DispatchPool) { p.confirmer = c }
}

// WithPersonalizer shares a template cache between pools.
func WithPersonalizer(pz *Personalizer) PoolOption {
	return func(p *DispatchPool) { p.personalizer = pz }
}

// NewDispatchPool creates a pool sending through sender and recording
// outcomes through tracker.
func NewDispatchPool(sender sending.Sender, tracker StatusApplier, cfg PoolConfig, opts ...PoolOption) *DispatchPool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &DispatchPool{
		sender:  sender,
		tracker: tracker,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		cfg:     cfg,
		tracer:  otel.Tracer(TracerName),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.personalizer == nil {
		p.personalizer = NewPersonalizer()
	}
	return p
}

// Submit starts a job in the background. Once Submit returns nil the pool
// owns job.Lock and releases it when every recipient has been handled.
func (p *DispatchPool) Submit(job campaign.DispatchJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	go p.run(job)
	return nil
}

// Shutdown stops accepting jobs and waits for running ones. If ctx expires
// first, in-flight sends are canceled and recipients not yet started stay
// PENDING.
func (p *DispatchPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("dispatch pool shutdown: %w", ctx.Err())
	}
}

func (p *DispatchPool) run(job campaign.DispatchJob) {
	defer p.wg.Done()

	stop := func() {}
	if job.Lock != nil {
		stop = distlock.KeepAlive(p.ctx, job.Lock, p.cfg.LockTTL, func(err error) {
			logger.Warn("dispatch lock refresh failed", "campaign_id", job.CampaignID, "error", err)
		})
	}
	defer func() {
		stop()
		p.personalizer.Forget(job.Template)
		if job.Lock != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := job.Lock.Release(ctx); err != nil {
				logger.Warn("release dispatch lock failed", "campaign_id", job.CampaignID, "error", err)
			}
		}
	}()

	started := time.Now()
	var (
		tasks sync.WaitGroup
		stats runStats
	)
	for _, c := range job.Audience {
		if p.ctx.Err() != nil {
			break
		}
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			break
		}
		tasks.Add(1)
		go func() {
			defer tasks.Done()
			defer p.sem.Release(1)
			stats.record(p.dispatchRecipient(job, c))
		}()
	}
	tasks.Wait()

	sent, failed, unconfirmed := stats.snapshot()
	logger.Info("campaign dispatch finished",
		"campaign_id", job.CampaignID,
		"recipients", len(job.Audience),
		"sent", sent,
		"failed", failed,
		"unconfirmed", unconfirmed,
		"duration", time.Since(started))
}

type runStats struct {
	mu                        sync.Mutex
	sent, failed, unconfirmed int
}

func (s *runStats) record(r recipientResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.confirmed {
		s.unconfirmed++
		return
	}
	if r.status == domain.RecipientSent {
		s.sent++
	} else {
		s.failed++
	}
}

func (s *runStats) snapshot() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.failed, s.unconfirmed
}
