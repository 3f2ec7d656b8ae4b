package domain

import (
	"time"
)

// RecipientStatus enumerates the delivery states of a single recipient.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "PENDING"
	RecipientSent      RecipientStatus = "SENT"
	RecipientFailed    RecipientStatus = "FAILED"
	RecipientDelivered RecipientStatus = "DELIVERED"
	RecipientOpened    RecipientStatus = "OPENED"
)

// Valid reports whether s is one of the known recipient states.
func (s RecipientStatus) Valid() bool {
	switch s {
	case RecipientPending, RecipientSent, RecipientFailed, RecipientDelivered, RecipientOpened:
		return true
	}
	return false
}

// AllowedFrom returns the states a recipient must be in to move to s.
// PENDING is never a target.
func (s RecipientStatus) AllowedFrom() []RecipientStatus {
	switch s {
	case RecipientSent, RecipientFailed:
		return []RecipientStatus{RecipientPending}
	case RecipientDelivered, RecipientOpened:
		return []RecipientStatus{RecipientSent}
	}
	return nil
}

// Recipient is one customer's delivery record within a campaign.
type Recipient struct {
	CustomerID  string          `json:"customer_id" db:"customer_id" bson:"customer_id"`
	CustomerRef string          `json:"customer_ref" db:"customer_ref" bson:"customer_ref"`
	Status      RecipientStatus `json:"status" db:"status" bson:"status"`
	LastUpdated *time.Time      `json:"last_updated,omitempty" db:"last_updated" bson:"timestamp,omitempty"`
}

// StatusCounts are the aggregate counters of a campaign. Pending, Sent and
// Failed always sum to the number of recipients. Delivered and Opened count
// engagement reached from SENT and do not move the dispatch counters.
type StatusCounts struct {
	Pending   int `json:"PENDING" db:"pending_count" bson:"PENDING"`
	Sent      int `json:"SENT" db:"sent_count" bson:"SENT"`
	Failed    int `json:"FAILED" db:"failed_count" bson:"FAILED"`
	Delivered int `json:"DELIVERED" db:"delivered_count" bson:"DELIVERED"`
	Opened    int `json:"OPENED" db:"opened_count" bson:"OPENED"`
}

// Total returns the number of recipients accounted for by the dispatch counters.
func (c StatusCounts) Total() int {
	return c.Pending + c.Sent + c.Failed
}

// Apply moves one recipient from one state to another. Dispatch outcomes
// leave PENDING; engagement states only add to their own counter.
func (c *StatusCounts) Apply(from, to RecipientStatus) {
	switch to {
	case RecipientSent:
		c.Sent++
	case RecipientFailed:
		c.Failed++
	case RecipientDelivered:
		c.Delivered++
	case RecipientOpened:
		c.Opened++
	}
	if from == RecipientPending {
		c.Pending--
	}
}

// Campaign is a single message sent to a resolved segment audience.
type Campaign struct {
	ID              string       `json:"campaign_id" db:"id" bson:"campaign_id"`
	SegmentID       string       `json:"segment_id" db:"segment_id" bson:"segment_id"`
	SegmentName     string       `json:"segment_name,omitempty" db:"segment_name" bson:"-"`
	MessageTemplate string       `json:"message_template" db:"message_template" bson:"message_template"`
	Recipients      []Recipient  `json:"recipients,omitempty" db:"-" bson:"recipients"`
	StatusCounts    StatusCounts `json:"status_counts" db:"-" bson:"status_counts"`
	CreatedBy       string       `json:"created_by" db:"created_by" bson:"created_by"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at" bson:"created_at"`
}

// NewCampaign builds a campaign with every recipient PENDING.
func NewCampaign(id, segmentID, template, createdBy string, audience []Customer, now time.Time) *Campaign {
	recipients := make([]Recipient, 0, len(audience))
	for _, c := range audience {
		recipients = append(recipients, Recipient{
			CustomerID:  c.CustomerID,
			CustomerRef: c.ID,
			Status:      RecipientPending,
		})
	}
	return &Campaign{
		ID:              id,
		SegmentID:       segmentID,
		MessageTemplate: template,
		Recipients:      recipients,
		StatusCounts:    StatusCounts{Pending: len(recipients)},
		CreatedBy:       createdBy,
		CreatedAt:       now,
	}
}

// AudienceSize is the number of recipients the campaign was created with.
func (c *Campaign) AudienceSize() int {
	return len(c.Recipients)
}

// Recipient returns the recipient for an external customer id.
func (c *Campaign) Recipient(customerID string) (*Recipient, bool) {
	for i := range c.Recipients {
		if c.Recipients[i].CustomerID == customerID {
			return &c.Recipients[i], true
		}
	}
	return nil, false
}

// Summary returns the history view of the campaign.
func (c *Campaign) Summary() CampaignSummary {
	return CampaignSummary{
		CampaignID:      c.ID,
		SegmentID:       c.SegmentID,
		SegmentName:     c.SegmentName,
		MessageTemplate: c.MessageTemplate,
		AudienceSize:    c.AudienceSize(),
		StatusCounts:    c.StatusCounts,
		CreatedAt:       c.CreatedAt,
		CreatedBy:       c.CreatedBy,
	}
}

// CampaignSummary is the history view of a campaign.
type CampaignSummary struct {
	CampaignID      string       `json:"campaign_id"`
	SegmentID       string       `json:"segment_id"`
	SegmentName     string       `json:"segment_name"`
	MessageTemplate string       `json:"message_template"`
	AudienceSize    int          `json:"audience_size"`
	StatusCounts    StatusCounts `json:"status_counts"`
	CreatedAt       time.Time    `json:"created_at"`
	CreatedBy       string       `json:"created_by"`
}
