package campaign

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Create persists a campaign with its recipients and counters.
	Create(ctx context.Context, c *domain.Campaign) error

	// Get returns a campaign with recipients. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaign summaries ordered by created_at DESC.
	List(ctx context.Context, filter ListFilter) ([]domain.CampaignSummary, error)

	// Transition moves one recipient to req.To and applies the matching
	// counter delta as a single atomic step. Concurrent transitions of the
	// same recipient must serialize. Decide implements the rules every
	// store shares.
	Transition(ctx context.Context, req TransitionRequest) (Outcome, error)
}

// ListFilter controls campaign history queries. An empty CreatedBy lists
// every campaign.
type ListFilter struct {
	CreatedBy string
	Limit     int
}

// TransitionRequest asks the store to move one recipient.
type TransitionRequest struct {
	CampaignID string
	CustomerID string
	To         domain.RecipientStatus
	At         time.Time
}

// Outcome is the result of a status update that was not rejected.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
)

// Decide applies the transition rules to a recipient's current status.
// It returns OutcomeApplied when the store should write the change,
// OutcomeAlreadyApplied when the recipient already has the target status,
// or a *TransitionError.
func Decide(customerID string, current, to domain.RecipientStatus) (Outcome, error) {
	if current == to {
		return OutcomeAlreadyApplied, nil
	}
	for _, from := range to.AllowedFrom() {
		if current == from {
			return OutcomeApplied, nil
		}
	}
	return "", &TransitionError{CustomerID: customerID, Current: current, Target: to}
}

// ==========================================
// COLLABORATORS
// ==========================================

// SegmentSource looks up stored segments.
type SegmentSource interface {
	Get(ctx context.Context, id string) (*segmentation.Segment, error)
}

// AudienceResolver resolves a rule tree to customers.
type AudienceResolver interface {
	Resolve(ctx context.Context, rule segmentation.RuleNode) ([]domain.Customer, error)
}

// CustomerLookup loads customers by internal id for redrives.
type CustomerLookup interface {
	CustomersByID(ctx context.Context, ids []string) ([]domain.Customer, error)
}

// DispatchJob is one batch of recipients to send for a campaign. The
// dispatcher owns Lock once Submit succeeds and must release it when the
// batch is finished.
type DispatchJob struct {
	CampaignID string
	Template   string
	Audience   []domain.Customer
	Lock       distlock.DistLock
}

// Dispatcher runs dispatch jobs in the background.
type Dispatcher interface {
	Submit(job DispatchJob) error
}
