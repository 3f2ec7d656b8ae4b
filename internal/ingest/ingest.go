// Package ingest loads customers and orders into the customer store and
// keeps each customer's spend, visit and last-visit aggregates current.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Sentinel errors for the ingestion layer.
var (
	ErrInvalidInput     = errors.New("invalid ingestion input")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrDuplicateOrder   = errors.New("order already ingested")
)

// Timestamp accepts either a calendar date or an RFC 3339 timestamp.
type Timestamp = domain.Timestamp

// CustomerInput is one row of a bulk customer upload. Aggregates are only
// overwritten when present.
type CustomerInput struct {
	CustomerID       string         `json:"customer_id"`
	Name             string         `json:"name"`
	Email            string         `json:"email,omitempty"`
	Phone            string         `json:"phone,omitempty"`
	TotalSpend       *float64       `json:"total_spend,omitempty"`
	Visits           *int           `json:"visits,omitempty"`
	LastVisit        *Timestamp     `json:"last_visit,omitempty"`
	CustomAttributes map[string]any `json:"custom_attributes,omitempty"`
}

// OrderInput is one row of an order upload.
type OrderInput struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Date       Timestamp `json:"date"`
	Amount     float64   `json:"amount"`
}

// OrderResult summarizes an order upload.
type OrderResult struct {
	Successful int      `json:"successfulOrders"`
	Failed     int      `json:"failedOrders"`
	Errors     []string `json:"errors,omitempty"`
}

// Repository defines the data access contract for ingestion.
// Implementations must be safe for concurrent use.
type Repository interface {
	// UpsertCustomers inserts or updates customers keyed by CustomerID and
	// returns how many were written.
	UpsertCustomers(ctx context.Context, customers []CustomerInput, now time.Time) (int, error)

	// RecordOrder inserts the order and updates the owning customer's
	// aggregates in one transaction. Returns ErrCustomerNotFound or
	// ErrDuplicateOrder.
	RecordOrder(ctx context.Context, o domain.Order) error

	// ListCustomers returns customers, newest first. Limit 0 means all.
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)

	// ListOrders returns orders, newest first. Limit 0 means all.
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
}

// Service implements ingestion business logic.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates an ingestion service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// UpsertCustomers validates and writes a batch of customers.
func (s *Service) UpsertCustomers(ctx context.Context, batch []CustomerInput) (int, error) {
	if len(batch) == 0 {
		return 0, fmt.Errorf("%w: request body must be a non-empty array of customers", ErrInvalidInput)
	}
	for i, c := range batch {
		switch {
		case strings.TrimSpace(c.CustomerID) == "":
			return 0, fmt.Errorf("%w: customer %d is missing customer_id", ErrInvalidInput, i)
		case strings.TrimSpace(c.Name) == "":
			return 0, fmt.Errorf("%w: customer %s is missing name", ErrInvalidInput, c.CustomerID)
		case c.TotalSpend != nil && *c.TotalSpend < 0:
			return 0, fmt.Errorf("%w: customer %s has negative total_spend", ErrInvalidInput, c.CustomerID)
		case c.Visits != nil && *c.Visits < 0:
			return 0, fmt.Errorf("%w: customer %s has negative visits", ErrInvalidInput, c.CustomerID)
		}
	}

	n, err := s.repo.UpsertCustomers(ctx, batch, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("upsert customers: %w", err)
	}
	logger.Info("customers ingested", "count", n)
	return n, nil
}

// IngestOrders records each order independently. A failing order does not
// stop the rest; its error is collected in the result.
func (s *Service) IngestOrders(ctx context.Context, batch []OrderInput) (*OrderResult, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: request body must be a non-empty array of orders", ErrInvalidInput)
	}

	res := &OrderResult{}
	for _, in := range batch {
		if err := s.ingestOrder(ctx, in); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("order %s: %v", in.OrderID, err))
			continue
		}
		res.Successful++
	}

	if res.Failed > 0 {
		logger.Warn("orders ingested with errors", "successful", res.Successful, "failed", res.Failed)
	} else {
		logger.Info("orders ingested", "successful", res.Successful)
	}
	return res, nil
}

func (s *Service) ingestOrder(ctx context.Context, in OrderInput) error {
	switch {
	case strings.TrimSpace(in.OrderID) == "":
		return fmt.Errorf("%w: missing order_id", ErrInvalidInput)
	case strings.TrimSpace(in.CustomerID) == "":
		return fmt.Errorf("%w: missing customer_id", ErrInvalidInput)
	case in.Date.IsZero():
		return fmt.Errorf("%w: missing date", ErrInvalidInput)
	case in.Amount < 0:
		return fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}

	return s.repo.RecordOrder(ctx, domain.Order{
		ID:         uuid.New().String(),
		OrderID:    in.OrderID,
		CustomerID: in.CustomerID,
		Date:       in.Date.Time,
		Amount:     in.Amount,
		CreatedAt:  s.now().UTC(),
	})
}

// ListCustomers returns stored customers.
func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, limit)
}

// ListOrders returns stored orders.
func (s *Service) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	return s.repo.ListOrders(ctx, limit)
}

// ApplyOrder folds an order into a customer's aggregates. Stores that
// update in process share it.
func ApplyOrder(c *domain.Customer, o domain.Order, now time.Time) {
	c.TotalSpend += o.Amount
	c.Visits++
	if c.LastVisit == nil || o.Date.After(*c.LastVisit) {
		d := o.Date
		c.LastVisit = &d
	}
	c.UpdatedAt = now
}

// Apply merges an upload row into an existing customer.
func (in CustomerInput) Apply(c *domain.Customer, now time.Time) {
	c.CustomerID = in.CustomerID
	c.Name = in.Name
	c.Email = in.Email
	c.Phone = in.Phone
	if in.TotalSpend != nil {
		c.TotalSpend = *in.TotalSpend
	}
	if in.Visits != nil {
		c.Visits = *in.Visits
	}
	if in.LastVisit != nil {
		t := in.LastVisit.Time
		c.LastVisit = &t
	}
	if in.CustomAttributes != nil {
		c.CustomAttributes = in.CustomAttributes
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}
