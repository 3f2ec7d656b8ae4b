package segmentation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Repository defines the data access contract for segments.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create persists a new segment.
	Create(ctx context.Context, s *Segment) error

	// Get returns a single segment. Returns ErrSegmentNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*Segment, error)

	// ListByCreator returns segments created by actor, newest first.
	ListByCreator(ctx context.Context, actor string) ([]Segment, error)
}

// CreateInput carries the fields needed to define a segment.
type CreateInput struct {
	Name string   `json:"name"`
	Rule RuleNode `json:"rules"`
}

// Service implements segment business logic on top of a Repository and a
// Resolver.
type Service struct {
	repo     Repository
	resolver *Resolver
	now      func() time.Time
}

// NewService creates a segment service.
func NewService(repo Repository, resolver *Resolver) *Service {
	return &Service{repo: repo, resolver: resolver, now: time.Now}
}

// Resolver exposes the underlying audience resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Create validates the rule, counts the audience once and persists the
// segment with that count as its snapshot.
func (s *Service) Create(ctx context.Context, input CreateInput, actor string) (*Segment, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSegment)
	}
	if input.Rule.IsZero() {
		return nil, &InvalidRuleError{Reason: "rules are required"}
	}

	size, err := s.resolver.Count(ctx, input.Rule)
	if err != nil {
		return nil, err
	}

	seg := &Segment{
		ID:                   uuid.New().String(),
		Name:                 name,
		Rule:                 input.Rule,
		AudienceSizeSnapshot: size,
		CreatedBy:            actor,
		CreatedAt:            s.now().UTC(),
	}
	if err := s.repo.Create(ctx, seg); err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}

	logger.Info("segment created", "segment_id", seg.ID, "audience_size", size, "created_by", actor)
	return seg, nil
}

// Preview counts the audience of rule without persisting anything.
func (s *Service) Preview(ctx context.Context, rule RuleNode) (int, error) {
	if rule.IsZero() {
		return 0, &InvalidRuleError{Reason: "rules are required"}
	}
	return s.resolver.Preview(ctx, rule)
}

// List returns the segments created by actor, newest first.
func (s *Service) List(ctx context.Context, actor string) ([]Segment, error) {
	segs, err := s.repo.ListByCreator(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return segs, nil
}

// Get returns a single segment.
func (s *Service) Get(ctx context.Context, id string) (*Segment, error) {
	return s.repo.Get(ctx, id)
}

// Audience resolves the live audience of a stored segment.
func (s *Service) Audience(ctx context.Context, id string) (*Segment, []domain.Customer, error) {
	seg, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	customers, err := s.resolver.Resolve(ctx, seg.Rule)
	if err != nil {
		return nil, nil, err
	}
	return seg, customers, nil
}
