package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// CampaignStore keeps campaigns in memory. One mutex guards every campaign,
// which serializes transitions of the same recipient.
type CampaignStore struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
}

var _ campaign.Repository = (*CampaignStore)(nil)

// NewCampaignStore creates an empty store.
func NewCampaignStore() *CampaignStore {
	return &CampaignStore{campaigns: make(map[string]*domain.Campaign)}
}

func clone(c *domain.Campaign) *domain.Campaign {
	cp := *c
	cp.Recipients = make([]domain.Recipient, len(c.Recipients))
	copy(cp.Recipients, c.Recipients)
	return &cp
}

// Create stores a copy of c.
func (m *CampaignStore) Create(_ context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		return fmt.Errorf("id required")
	}
	if _, exists := m.campaigns[c.ID]; exists {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	m.campaigns[c.ID] = clone(c)
	return nil
}

// Get returns a copy of the campaign.
func (m *CampaignStore) Get(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return clone(c), nil
}

// List returns summaries, newest first.
func (m *CampaignStore) List(_ context.Context, f campaign.ListFilter) ([]domain.CampaignSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CampaignSummary
	for _, c := range m.campaigns {
		if f.CreatedBy != "" && c.CreatedBy != f.CreatedBy {
			continue
		}
		out = append(out, c.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Transition applies a recipient status change and its counter delta under
// the store mutex.
func (m *CampaignStore) Transition(_ context.Context, req campaign.TransitionRequest) (campaign.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[req.CampaignID]
	if !ok {
		return "", campaign.ErrNotFound
	}
	r, ok := c.Recipient(req.CustomerID)
	if !ok {
		return "", campaign.ErrRecipientNotFound
	}

	outcome, err := campaign.Decide(req.CustomerID, r.Status, req.To)
	if err != nil || outcome != campaign.OutcomeApplied {
		return outcome, err
	}

	c.StatusCounts.Apply(r.Status, req.To)
	r.Status = req.To
	at := req.At
	r.LastUpdated = &at
	return campaign.OutcomeApplied, nil
}
