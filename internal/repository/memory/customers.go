package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// CustomerStore keeps customers and orders in memory.
type CustomerStore struct {
	mu         sync.RWMutex
	customers  map[string]*domain.Customer // keyed by internal id
	byExternal map[string]string           // customer_id -> internal id
	orders     []domain.Order
	orderIDs   map[string]struct{}
	seq        int
}

var (
	_ segmentation.CustomerStore = (*CustomerStore)(nil)
	_ ingest.Repository          = (*CustomerStore)(nil)
)

// NewCustomerStore creates an empty store.
func NewCustomerStore() *CustomerStore {
	return &CustomerStore{
		customers:  make(map[string]*domain.Customer),
		byExternal: make(map[string]string),
		orderIDs:   make(map[string]struct{}),
	}
}

// Seed inserts customers as-is, assigning internal ids where missing.
func (s *CustomerStore) Seed(customers ...domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range customers {
		s.put(c)
	}
}

func (s *CustomerStore) put(c domain.Customer) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		// Preserve insertion order for stores seeded without timestamps.
		s.seq++
		c.CreatedAt = time.Unix(int64(s.seq), 0).UTC()
	}
	s.customers[c.ID] = &c
	s.byExternal[c.CustomerID] = c.ID
}

// sorted returns copies of all customers ordered by creation time.
func (s *CustomerStore) sorted() []domain.Customer {
	out := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Find returns customers matching p in creation order.
func (s *CustomerStore) Find(ctx context.Context, p *segmentation.Predicate) ([]domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Customer
	for _, c := range s.sorted() {
		if p.Match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Count returns the number of customers matching p.
func (s *CustomerStore) Count(ctx context.Context, p *segmentation.Predicate) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.customers {
		if p.Match(*c) {
			n++
		}
	}
	return n, nil
}

// CustomersByID returns the customers with the given internal ids. Unknown
// ids are skipped.
func (s *CustomerStore) CustomersByID(_ context.Context, ids []string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Customer, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.customers[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

// UpsertCustomers inserts or updates customers keyed by external id.
func (s *CustomerStore) UpsertCustomers(_ context.Context, batch []ingest.CustomerInput, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range batch {
		c := domain.Customer{}
		if id, ok := s.byExternal[in.CustomerID]; ok {
			c = *s.customers[id]
		}
		in.Apply(&c, now)
		s.put(c)
	}
	return len(batch), nil
}

// RecordOrder stores o and updates the customer's aggregates atomically.
func (s *CustomerStore) RecordOrder(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[o.CustomerID]
	if !ok {
		return ingest.ErrCustomerNotFound
	}
	if _, dup := s.orderIDs[o.OrderID]; dup {
		return ingest.ErrDuplicateOrder
	}

	o.CustomerRef = id
	s.orders = append(s.orders, o)
	s.orderIDs[o.OrderID] = struct{}{}
	ingest.ApplyOrder(s.customers[id], o, o.CreatedAt)
	return nil
}

// ListCustomers returns customers, newest first.
func (s *CustomerStore) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sorted()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOrders returns orders, newest first.
func (s *CustomerStore) ListOrders(_ context.Context, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Order, 0, len(s.orders))
	for i := len(s.orders) - 1; i >= 0; i-- {
		out = append(out, s.orders[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
