package pricing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cardlens/cardlens/internal/fuzzy"
	"github.com/cardlens/cardlens/internal/model"
)

// noSetSentinel keys cards whose set could not be resolved so they never
// collide with a card whose set normalizes to the empty string.
const noSetSentinel = "__noset__"

// CacheKey derives the pricing cache key from the normalized card name and
// set. Two queries that differ only in casing or punctuation share a key.
func CacheKey(q model.PriceQuery) string {
	name := fuzzy.Normalize(q.CardName)
	set := fuzzy.Normalize(q.Set)
	if set == "" {
		set = noSetSentinel
	}
	return name + "|" + set
}

// Cache stores raw observations and aggregated results between runs. Both
// namespaces are keyed by CacheKey; observations carry a per-source suffix.
// Implementations must treat expired entries as absent.
type Cache interface {
	GetObservations(ctx context.Context, key string) ([]model.RawPriceObservation, bool, error)
	PutObservations(ctx context.Context, key string, obs []model.RawPriceObservation, ttl time.Duration) error
	GetResult(ctx context.Context, key string) (*model.PricingResult, bool, error)
	PutResult(ctx context.Context, key string, res *model.PricingResult, ttl time.Duration) error
}

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryCache is a process-local Cache. It backs single-shot CLI runs and
// tests; server deployments use the store-backed cache instead.
type MemoryCache struct {
	mu      sync.Mutex
	obs     map[string]memoryEntry[[]model.RawPriceObservation]
	results map[string]memoryEntry[*model.PricingResult]
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		obs:     make(map[string]memoryEntry[[]model.RawPriceObservation]),
		results: make(map[string]memoryEntry[*model.PricingResult]),
		now:     time.Now,
	}
}

// WithNow overrides the cache clock. Tests only.
func (c *MemoryCache) WithNow(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) GetObservations(_ context.Context, key string) ([]model.RawPriceObservation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.obs[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.obs, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) PutObservations(_ context.Context, key string, obs []model.RawPriceObservation, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs[key] = memoryEntry[[]model.RawPriceObservation]{value: obs, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) GetResult(_ context.Context, key string) (*model.PricingResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.results[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.results, key)
		return nil, false, nil
	}
	res := *e.value
	res.Sources = append([]string(nil), e.value.Sources...)
	return &res, true, nil
}

func (c *MemoryCache) PutResult(_ context.Context, key string, res *model.PricingResult, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := *res
	stored.Sources = append([]string(nil), res.Sources...)
	c.results[key] = memoryEntry[*model.PricingResult]{value: &stored, expiresAt: c.now().Add(ttl)}
	return nil
}

// observationKey namespaces cached observations per source so one provider
// expiring does not evict another's data.
func observationKey(key, source string) string {
	return key + "|" + strings.ToLower(source)
}
