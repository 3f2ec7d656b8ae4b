package domain

import (
	"strings"
	"time"
)

// DefaultDisplayName is used for personalization when a customer has no name.
const DefaultDisplayName = "Valued Customer"

// Customer is a single CRM contact. CustomerID is the external identifier
// supplied by ingestion; ID is the store's internal key.
type Customer struct {
	ID               string         `json:"id" db:"id" bson:"_id,omitempty"`
	CustomerID       string         `json:"customer_id" db:"customer_id" bson:"customer_id"`
	Name             string         `json:"name" db:"name" bson:"name"`
	Email            string         `json:"email,omitempty" db:"email" bson:"email,omitempty"`
	Phone            string         `json:"phone,omitempty" db:"phone" bson:"phone,omitempty"`
	TotalSpend       float64        `json:"total_spend" db:"total_spend" bson:"total_spend"`
	Visits           int            `json:"visits" db:"visits" bson:"visits"`
	LastVisit        *time.Time     `json:"last_visit,omitempty" db:"last_visit" bson:"last_visit,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty" db:"custom_attributes" bson:"custom_attributes,omitempty"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

// DisplayName returns the name used in message personalization.
func (c Customer) DisplayName() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return DefaultDisplayName
}

// HasEmail reports whether the customer can be reached by email.
func (c Customer) HasEmail() bool {
	return strings.TrimSpace(c.Email) != ""
}

// Order is a purchase record. Ingesting an order updates the owning
// customer's spend, visit count and last visit.
type Order struct {
	ID          string    `json:"id" db:"id" bson:"_id,omitempty"`
	OrderID     string    `json:"order_id" db:"order_id" bson:"order_id"`
	CustomerID  string    `json:"customer_id" db:"customer_id" bson:"customer_id_external"`
	CustomerRef string    `json:"customer_ref" db:"customer_ref" bson:"customer_ref"`
	Date        time.Time `json:"date" db:"order_date" bson:"date"`
	Amount      float64   `json:"amount" db:"amount" bson:"amount"`
	CreatedAt   time.Time `json:"created_at" db:"created_at" bson:"created_at"`
}
