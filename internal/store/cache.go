package store

import (
	"context"
	"time"

	"github.com/cardlens/cardlens/internal/model"
)

// PriceCache adapts a Store to the cache interface the price aggregator
// consumes, keeping the aggregator free of a store dependency.
type PriceCache struct {
	s Store
}

// NewPriceCache wraps the store's price cache tables.
func NewPriceCache(s Store) *PriceCache {
	return &PriceCache{s: s}
}

func (c *PriceCache) GetObservations(ctx context.Context, key string) ([]model.RawPriceObservation, bool, error) {
	return c.s.GetCachedObservations(ctx, key)
}

func (c *PriceCache) PutObservations(ctx context.Context, key string, obs []model.RawPriceObservation, ttl time.Duration) error {
	return c.s.SetCachedObservations(ctx, key, obs, ttl)
}

func (c *PriceCache) GetResult(ctx context.Context, key string) (*model.PricingResult, bool, error) {
	return c.s.GetCachedPricing(ctx, key)
}

func (c *PriceCache) PutResult(ctx context.Context, key string, res *model.PricingResult, ttl time.Duration) error {
	return c.s.SetCachedPricing(ctx, key, res, ttl)
}
