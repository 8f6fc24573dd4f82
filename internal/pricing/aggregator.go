// Package pricing estimates market value for an identified card by fanning
// out to price providers, pooling their observations, and summarizing the
// distribution. Provider failures degrade the estimate instead of failing
// the run; absent data yields a zero-comp result with an explanatory
// message.
package pricing

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cardlens/cardlens/internal/model"
)

// fullConfidenceComps is the observation count at which sample size stops
// limiting confidence.
const fullConfidenceComps = 20

// Config controls caching and the observation window.
type Config struct {
	ObservationTTL time.Duration
	ResultTTL      time.Duration
	WindowDays     int
}

func (c Config) withDefaults() Config {
	if c.ObservationTTL <= 0 {
		c.ObservationTTL = time.Hour
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
	if c.WindowDays <= 0 {
		c.WindowDays = 90
	}
	return c
}

// Aggregator prices cards by pooling observations across sources.
type Aggregator struct {
	sources []Source
	cache   Cache
	cfg     Config
	now     func() time.Time
}

// NewAggregator wires the given sources behind the shared cache. A nil
// cache gets a process-local one.
func NewAggregator(sources []Source, cache Cache, cfg Config) *Aggregator {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Aggregator{
		sources: sources,
		cache:   cache,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// WithNow overrides the aggregator clock. Tests only.
func (a *Aggregator) WithNow(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Price returns the market estimate for the query, serving from the result
// cache when a fresh entry exists. A query with no resolvable card name and
// zero comps across every source both produce a valid zero result.
func (a *Aggregator) Price(ctx context.Context, q model.PriceQuery) (*model.PricingResult, error) {
	if q.CardName == "" {
		return &model.PricingResult{
			Message: "no card name available for pricing",
		}, nil
	}

	key := CacheKey(q)
	if cached, ok, err := a.cache.GetResult(ctx, key); err != nil {
		zap.L().Warn("pricing: result cache read failed", zap.Error(err), zap.String("key", key))
	} else if ok {
		zap.L().Debug("pricing: result cache hit", zap.String("key", key))
		return cached, nil
	}

	obs := a.collect(ctx, key, q)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := a.summarize(obs)
	if err := a.cache.PutResult(ctx, key, res, a.cfg.ResultTTL); err != nil {
		zap.L().Warn("pricing: result cache write failed", zap.Error(err), zap.String("key", key))
	}
	return res, nil
}

// collect fans out to every source, serving each from the observation
// cache when possible. Individual source failures are logged and skipped.
func (a *Aggregator) collect(ctx context.Context, key string, q model.PriceQuery) []model.RawPriceObservation {
	var (
		mu  sync.Mutex
		all []model.RawPriceObservation
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range a.sources {
		g.Go(func() error {
			obs, err := a.fromSource(gctx, key, q, src)
			if err != nil {
				zap.L().Warn("pricing: source failed, continuing without it",
					zap.String("source", src.Name()),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			all = append(all, obs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // goroutines swallow their own errors

	cutoff := a.now().UTC().AddDate(0, 0, -a.windowDays(q))
	fresh := all[:0]
	for _, o := range all {
		if o.Amount > 0 && !o.ObservedAt.Before(cutoff) {
			fresh = append(fresh, o)
		}
	}
	return fresh
}

func (a *Aggregator) windowDays(q model.PriceQuery) int {
	if q.WindowDays > 0 {
		return q.WindowDays
	}
	return a.cfg.WindowDays
}

func (a *Aggregator) fromSource(ctx context.Context, key string, q model.PriceQuery, src Source) ([]model.RawPriceObservation, error) {
	obsKey := observationKey(key, src.Name())
	if cached, ok, err := a.cache.GetObservations(ctx, obsKey); err != nil {
		zap.L().Warn("pricing: observation cache read failed", zap.Error(err), zap.String("key", obsKey))
	} else if ok {
		return cached, nil
	}

	obs, err := src.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := a.cache.PutObservations(ctx, obsKey, obs, a.cfg.ObservationTTL); err != nil {
		zap.L().Warn("pricing: observation cache write failed", zap.Error(err), zap.String("key", obsKey))
	}
	return obs, nil
}

// summarize reduces pooled observations to the P10/P50/P90 spread with a
// confidence that grows with sample size and shrinks with dispersion.
func (a *Aggregator) summarize(obs []model.RawPriceObservation) *model.PricingResult {
	if len(obs) == 0 {
		return &model.PricingResult{
			Message: "no recent comparable sales found",
		}
	}

	amounts := make([]float64, len(obs))
	seen := make(map[string]struct{})
	var sources []string
	for i, o := range obs {
		amounts[i] = o.Amount
		if _, ok := seen[o.Source]; !ok {
			seen[o.Source] = struct{}{}
			sources = append(sources, o.Source)
		}
	}
	sort.Float64s(amounts)
	sort.Strings(sources)

	return &model.PricingResult{
		ValueLow:    percentile(amounts, 0.10),
		ValueMedian: percentile(amounts, 0.50),
		ValueHigh:   percentile(amounts, 0.90),
		CompsCount:  len(amounts),
		Sources:     sources,
		Confidence:  confidence(amounts),
	}
}

// percentile interpolates linearly over the sorted sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// confidence is min(1, n/20) damped by the coefficient of variation, so a
// large but wildly dispersed sample still reads as uncertain.
func confidence(amounts []float64) float64 {
	n := float64(len(amounts))
	sizeFactor := math.Min(1, n/fullConfidenceComps)

	var sum float64
	for _, v := range amounts {
		sum += v
	}
	mean := sum / n
	if mean <= 0 {
		return 0
	}

	var variance float64
	for _, v := range amounts {
		d := v - mean
		variance += d * d
	}
	variance /= n
	cv := math.Sqrt(variance) / mean

	return sizeFactor / (1 + cv)
}
