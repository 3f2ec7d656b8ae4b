package segmentation

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// CustomerStore runs compiled predicates against customer data.
type CustomerStore interface {
	Find(ctx context.Context, p *Predicate) ([]domain.Customer, error)
	Count(ctx context.Context, p *Predicate) (int, error)
}

// CountCache memoizes audience counts by predicate hash.
type CountCache interface {
	Get(ctx context.Context, key string) (int, bool, error)
	Set(ctx context.Context, key string, count int, ttl time.Duration) error
}

// DefaultPreviewTTL bounds how stale a cached preview count may be.
const DefaultPreviewTTL = 30 * time.Second

// Resolver turns rule trees into audiences.
type Resolver struct {
	store      CustomerStore
	compile    []CompileOption
	cache      CountCache
	previewTTL time.Duration
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCompileOptions passes limits through to Compile.
func WithCompileOptions(opts ...CompileOption) ResolverOption {
	return func(r *Resolver) { r.compile = append(r.compile, opts...) }
}

// WithCountCache fronts Preview with a cache. A ttl of zero uses DefaultPreviewTTL.
func WithCountCache(c CountCache, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = c
		if ttl > 0 {
			r.previewTTL = ttl
		}
	}
}

// NewResolver creates a Resolver over store.
func NewResolver(store CustomerStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, previewTTL: DefaultPreviewTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Compile compiles rule with the resolver's limits.
func (r *Resolver) Compile(rule RuleNode) (*Predicate, error) {
	return Compile(rule, r.compile...)
}

// Resolve returns every customer matching rule. Compile errors are returned
// unchanged; store failures come back as *StoreUnavailableError.
func (r *Resolver) Resolve(ctx context.Context, rule RuleNode) ([]domain.Customer, error) {
	p, err := r.Compile(rule)
	if err != nil {
		return nil, err
	}
	customers, err := r.store.Find(ctx, p)
	if err != nil {
		return nil, storeError("find customers", err)
	}
	return customers, nil
}

// Count returns the audience size without loading customers.
func (r *Resolver) Count(ctx context.Context, rule RuleNode) (int, error) {
	p, err := r.Compile(rule)
	if err != nil {
		return 0, err
	}
	return r.count(ctx, p)
}

func (r *Resolver) count(ctx context.Context, p *Predicate) (int, error) {
	n, err := r.store.Count(ctx, p)
	if err != nil {
		return 0, storeError("count customers", err)
	}
	return n, nil
}

// Preview is Count served through the count cache when one is configured.
// Cache failures are logged and fall back to the store.
func (r *Resolver) Preview(ctx context.Context, rule RuleNode) (int, error) {
	p, err := r.Compile(rule)
	if err != nil {
		return 0, err
	}
	if r.cache == nil {
		return r.count(ctx, p)
	}

	key := p.Hash()
	if n, ok, err := r.cache.Get(ctx, key); err != nil {
		logger.Warn("preview cache read failed", "key", key, "error", err)
	} else if ok {
		return n, nil
	}

	n, err := r.count(ctx, p)
	if err != nil {
		return 0, err
	}
	if err := r.cache.Set(ctx, key, n, r.previewTTL); err != nil {
		logger.Warn("preview cache write failed", "key", key, "error", err)
	}
	return n, nil
}

func storeError(op string, err error) error {
	var sue *StoreUnavailableError
	if errors.As(err, &sue) || errors.Is(err, ErrInvalidRule) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}
