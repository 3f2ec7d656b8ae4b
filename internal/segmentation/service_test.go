package segmentation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSegments struct {
	mu   sync.Mutex
	segs map[string]*Segment
}

func newMemSegments() *memSegments {
	return &memSegments{segs: map[string]*Segment{}}
}

func (m *memSegments) Create(_ context.Context, s *Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.segs[s.ID] = &cp
	return nil
}

func (m *memSegments) Get(_ context.Context, id string) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segs[id]
	if !ok {
		return nil, ErrSegmentNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSegments) ListByCreator(_ context.Context, actor string) ([]Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Segment
	for _, s := range m.segs {
		if s.CreatedBy == actor {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func newTestService(store *sliceStore) (*Service, *memSegments) {
	repo := newMemSegments()
	return NewService(repo, NewResolver(store)), repo
}

func TestService_CreateSnapshotsAudience(t *testing.T) {
	store := &sliceStore{customers: fiveCustomers()}
	svc, repo := newTestService(store)

	seg, err := svc.Create(context.Background(), CreateInput{
		Name: "  Regulars ",
		Rule: Cond("visits", OpGte, 4.0),
	}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Regulars", seg.Name)
	assert.Equal(t, 3, seg.AudienceSizeSnapshot)
	assert.Equal(t, "user-1", seg.CreatedBy)
	assert.NotEmpty(t, seg.ID)

	stored, err := repo.Get(context.Background(), seg.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.AudienceSizeSnapshot)

	// The snapshot is not recalculated when customers change.
	store.customers = store.customers[:1]
	stored, err = svc.Get(context.Background(), seg.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.AudienceSizeSnapshot)

	_, live, err := svc.Audience(context.Background(), seg.ID)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestService_CreateValidation(t *testing.T) {
	svc, repo := newTestService(&sliceStore{})

	_, err := svc.Create(context.Background(), CreateInput{Rule: And()}, "u")
	assert.ErrorIs(t, err, ErrInvalidSegment)

	_, err = svc.Create(context.Background(), CreateInput{Name: "x"}, "u")
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = svc.Create(context.Background(), CreateInput{Name: "x", Rule: Cond("visits", "??", 1.0)}, "u")
	assert.ErrorIs(t, err, ErrInvalidRule)

	assert.Empty(t, repo.segs)
}

func TestService_CreateStoreDown(t *testing.T) {
	svc, repo := newTestService(&sliceStore{err: errors.New("timeout")})

	_, err := svc.Create(context.Background(), CreateInput{Name: "x", Rule: And()}, "u")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, repo.segs)
}

func TestService_PreviewAndList(t *testing.T) {
	svc, _ := newTestService(&sliceStore{customers: fiveCustomers()})
	ctx := context.Background()

	n, err := svc.Preview(ctx, Cond("name", OpContains, "a"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = svc.Preview(ctx, RuleNode{})
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = svc.Create(ctx, CreateInput{Name: "a", Rule: And()}, "alice")
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{Name: "b", Rule: And()}, "bob")
	require.NoError(t, err)

	segs, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "a", segs[0].Name)
}

func TestService_GetMissing(t *testing.T) {
	svc, _ := newTestService(&sliceStore{})
	_, err := svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSegmentNotFound)
	_, _, err = svc.Audience(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}
