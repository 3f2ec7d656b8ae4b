package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ignite/campaign-engine/internal/segmentation"
)

// SegmentStore keeps segments in memory.
type SegmentStore struct {
	mu   sync.RWMutex
	segs map[string]segmentation.Segment
}

var _ segmentation.Repository = (*SegmentStore)(nil)

// NewSegmentStore creates an empty store.
func NewSegmentStore() *SegmentStore {
	return &SegmentStore{segs: make(map[string]segmentation.Segment)}
}

// Create stores s.
func (m *SegmentStore) Create(_ context.Context, s *segmentation.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segs[s.ID] = *s
	return nil
}

// Get returns a segment or segmentation.ErrSegmentNotFound.
func (m *SegmentStore) Get(_ context.Context, id string) (*segmentation.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.segs[id]
	if !ok {
		return nil, segmentation.ErrSegmentNotFound
	}
	return &s, nil
}

// Delete removes a segment. Campaigns referencing it keep working.
func (m *SegmentStore) Delete(_ context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.segs, id)
}

// ListByCreator returns segments created by actor, newest first.
func (m *SegmentStore) ListByCreator(_ context.Context, actor string) ([]segmentation.Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []segmentation.Segment
	for _, s := range m.segs {
		if s.CreatedBy == actor {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
