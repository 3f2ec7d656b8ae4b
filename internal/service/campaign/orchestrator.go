package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// TracerName is the instrumentation scope for campaign spans.
const TracerName = "github.com/ignite/campaign-engine/internal/service/campaign"

// UnknownSegmentName is shown in history when a campaign's segment is gone.
const UnknownSegmentName = "N/A"

// LaunchInput carries the fields needed to launch a campaign.
type LaunchInput struct {
	SegmentID       string `json:"segment_id"`
	MessageTemplate string `json:"message_template"`
	Actor           string `json:"-"`
}

// Handle is returned by Launch before any message is sent.
type Handle struct {
	CampaignID   string `json:"campaign_id"`
	AudienceSize int    `json:"audience_size"`
}

// RedriveResult reports how many PENDING recipients were resubmitted.
type RedriveResult struct {
	CampaignID  string `json:"campaign_id"`
	Resubmitted int    `json:"resubmitted"`
}

// HistoryFilter selects campaigns for History. All ignores Actor.
type HistoryFilter struct {
	Actor string
	All   bool
	Limit int
}

// Orchestrator launches campaigns and coordinates their dispatch. All
// public methods are safe for concurrent use if the collaborators are.
type Orchestrator struct {
	repo      Repository
	segments  SegmentSource
	resolver  AudienceResolver
	dispatch  Dispatcher
	customers CustomerLookup
	locks     distlock.Factory
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocks sets the lock backend guarding per-campaign dispatch runs.
func WithLocks(f distlock.Factory) Option {
	return func(o *Orchestrator) { o.locks = f }
}

// WithCustomerLookup enables Redrive.
func WithCustomerLookup(l CustomerLookup) Option {
	return func(o *Orchestrator) { o.customers = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator. Without WithLocks, dispatch runs
// are guarded by process-local locks.
func NewOrchestrator(repo Repository, segments SegmentSource, resolver AudienceResolver, dispatch Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		segments: segments,
		resolver: resolver,
		dispatch: dispatch,
		tracer:   otel.Tracer(TracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.locks == nil {
		o.locks = distlock.NewLocalLocks().Lock
	}
	return o
}

// DispatchLockKey is the lock key guarding a campaign's dispatch runs.
func DispatchLockKey(campaignID string) string {
	return "campaign-dispatch:" + campaignID
}

// Launch resolves the segment audience, persists the campaign with every
// recipient PENDING and submits dispatch in the background. It returns as
// soon as the campaign is persisted; it never waits for sends.
func (o *Orchestrator) Launch(ctx context.Context, in LaunchInput) (h *Handle, err error) {
	ctx, span := o.tracer.Start(ctx, "campaign.launch",
		trace.WithAttributes(attribute.String("segment.id", in.SegmentID)))
	defer func() { endSpan(span, err) }()

	template := strings.TrimSpace(in.MessageTemplate)
	if strings.TrimSpace(in.SegmentID) == "" {
		return nil, fmt.Errorf("%w: segment_id is required", ErrInvalidInput)
	}
	if template == "" {
		return nil, fmt.Errorf("%w: message_template is required", ErrInvalidInput)
	}

	seg, err := o.segments.Get(ctx, in.SegmentID)
	if err != nil {
		return nil, err
	}

	audience, err := o.resolver.Resolve(ctx, seg.Rule)
	if err != nil {
		return nil, err
	}
	if len(audience) == 0 {
		return nil, ErrEmptyAudience
	}

	c := domain.NewCampaign(uuid.New().String(), seg.ID, in.MessageTemplate, in.Actor, audience, o.now().UTC())
	c.SegmentName = seg.Name
	span.SetAttributes(attribute.String("campaign.id", c.ID), attribute.Int("campaign.audience_size", len(audience)))

	lock := o.locks(DispatchLockKey(c.ID))
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		return nil, ErrDispatchInProgress
	}

	if err := o.repo.Create(ctx, c); err != nil {
		releaseLock(lock, c.ID)
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	if err := o.dispatch.Submit(DispatchJob{
		CampaignID: c.ID,
		Template:   c.MessageTemplate,
		Audience:   audience,
		Lock:       lock,
	}); err != nil {
		releaseLock(lock, c.ID)
		return nil, fmt.Errorf("submit dispatch: %w", err)
	}

	logger.Info("campaign launched",
		"campaign_id", c.ID,
		"segment_id", seg.ID,
		"audience_size", len(audience),
		"created_by", in.Actor)
	return &Handle{CampaignID: c.ID, AudienceSize: len(audience)}, nil
}

// Redrive resubmits the recipients of a campaign that are still PENDING.
// It fails with ErrDispatchInProgress while a dispatch run holds the lock.
func (o *Orchestrator) Redrive(ctx context.Context, campaignID string) (res *RedriveResult, err error) {
	ctx, span := o.tracer.Start(ctx, "campaign.redrive",
		trace.WithAttributes(attribute.String("campaign.id", campaignID)))
	defer func() { endSpan(span, err) }()

	if o.customers == nil {
		return nil, errors.New("redrive: no customer lookup configured")
	}

	lock := o.locks(DispatchLockKey(campaignID))
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		return nil, ErrDispatchInProgress
	}
	handedOff := false
	defer func() {
		if !handedOff {
			releaseLock(lock, campaignID)
		}
	}()

	c, err := o.repo.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	var refs []string
	for _, r := range c.Recipients {
		if r.Status == domain.RecipientPending {
			refs = append(refs, r.CustomerRef)
		}
	}
	res = &RedriveResult{CampaignID: c.ID}
	if len(refs) == 0 {
		return res, nil
	}

	audience, err := o.customers.CustomersByID(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("load pending customers: %w", err)
	}
	if missing := len(refs) - len(audience); missing > 0 {
		logger.Warn("redrive skipping deleted customers", "campaign_id", c.ID, "missing", missing)
	}
	if len(audience) == 0 {
		return res, nil
	}

	if err := o.dispatch.Submit(DispatchJob{
		CampaignID: c.ID,
		Template:   c.MessageTemplate,
		Audience:   audience,
		Lock:       lock,
	}); err != nil {
		return nil, fmt.Errorf("submit dispatch: %w", err)
	}
	handedOff = true

	res.Resubmitted = len(audience)
	span.SetAttributes(attribute.Int("campaign.resubmitted", res.Resubmitted))
	logger.Info("campaign redriven", "campaign_id", c.ID, "resubmitted", res.Resubmitted)
	return res, nil
}

// Get returns a campaign with its recipients and segment name.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	c.SegmentName = o.segmentName(ctx, c.SegmentID, names)
	return c, nil
}

// History lists campaign summaries, newest first.
func (o *Orchestrator) History(ctx context.Context, f HistoryFilter) ([]domain.CampaignSummary, error) {
	filter := ListFilter{Limit: f.Limit}
	if !f.All {
		filter.CreatedBy = f.Actor
	}
	list, err := o.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}

	names := map[string]string{}
	for i := range list {
		list[i].SegmentName = o.segmentName(ctx, list[i].SegmentID, names)
	}
	return list, nil
}

func (o *Orchestrator) segmentName(ctx context.Context, id string, cache map[string]string) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := UnknownSegmentName
	seg, err := o.segments.Get(ctx, id)
	switch {
	case err == nil && seg.Name != "":
		name = seg.Name
	case err != nil && !errors.Is(err, segmentation.ErrSegmentNotFound):
		logger.Warn("segment lookup failed", "segment_id", id, "error", err)
	}
	cache[id] = name
	return name
}

func releaseLock(l distlock.DistLock, campaignID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		logger.Warn("release dispatch lock failed", "campaign_id", campaignID, "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
