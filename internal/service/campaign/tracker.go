package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// StatusUpdate is a delivery confirmation for one recipient.
type StatusUpdate struct {
	CampaignID string                 `json:"campaign_id"`
	CustomerID string                 `json:"customer_id"`
	Status     domain.RecipientStatus `json:"status"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts the same timestamp forms as ingestion, so a vendor
// webhook may send a bare date.
func (u *StatusUpdate) UnmarshalJSON(b []byte) error {
	type plain StatusUpdate
	var w struct {
		plain
		Timestamp *domain.Timestamp `json:"timestamp,omitempty"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = StatusUpdate(w.plain)
	if w.Timestamp != nil {
		at := w.Timestamp.Time
		u.Timestamp = &at
	}
	return nil
}

// Tracker applies delivery status updates. It is the single mutation point
// for recipient state.
type Tracker struct {
	repo Repository
	now  func() time.Time
}

// NewTracker creates a tracker over repo.
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo, now: time.Now}
}

// ApplyStatus validates u and asks the store to apply it. Applying the same
// update twice returns OutcomeAlreadyApplied without touching counters.
func (t *Tracker) ApplyStatus(ctx context.Context, u StatusUpdate) (Outcome, error) {
	if strings.TrimSpace(u.CampaignID) == "" || strings.TrimSpace(u.CustomerID) == "" {
		return "", fmt.Errorf("%w: campaign_id and customer_id are required", ErrInvalidInput)
	}
	status := domain.RecipientStatus(strings.ToUpper(strings.TrimSpace(string(u.Status))))
	if !status.Valid() || status == domain.RecipientPending {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, u.Status)
	}

	at := t.now().UTC()
	if u.Timestamp != nil && !u.Timestamp.IsZero() {
		at = u.Timestamp.UTC()
	}

	outcome, err := t.repo.Transition(ctx, TransitionRequest{
		CampaignID: u.CampaignID,
		CustomerID: u.CustomerID,
		To:         status,
		At:         at,
	})
	if err != nil {
		return "", err
	}

	logger.Debug("recipient status updated",
		"campaign_id", u.CampaignID,
		"customer_id", u.CustomerID,
		"status", status,
		"outcome", outcome)
	return outcome, nil
}
