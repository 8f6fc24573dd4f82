package pricing

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cardlens/cardlens/internal/model"
	"github.com/cardlens/cardlens/internal/resilience"
	"github.com/cardlens/cardlens/pkg/pricecharting"
	"github.com/cardlens/cardlens/pkg/tcgplayer"
)

// Source fetches raw market observations for a card from one provider.
// Implementations own their provider's retry and circuit-breaking policy;
// the aggregator treats every source as fallible and independent.
type Source interface {
	Name() string
	Fetch(ctx context.Context, q model.PriceQuery) ([]model.RawPriceObservation, error)
}

type priceChartingSource struct {
	client  pricecharting.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// NewPriceChartingSource wraps a PriceCharting client as a pricing source.
func NewPriceChartingSource(client pricecharting.Client, retry resilience.RetryConfig) Source {
	return &priceChartingSource{
		client:  client,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitConfig()),
		now:     time.Now,
	}
}

func (s *priceChartingSource) Name() string { return "pricecharting" }

func (s *priceChartingSource) Fetch(ctx context.Context, q model.PriceQuery) ([]model.RawPriceObservation, error) {
	query := q.CardName
	if q.Set != "" {
		query += " " + q.Set
	}

	products, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) ([]pricecharting.Product, error) {
		return resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]pricecharting.Product, error) {
			return s.client.SearchProducts(ctx, query)
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting fetch")
	}

	observedAt := s.now().UTC()
	var obs []model.RawPriceObservation
	for _, p := range products {
		if q.Set != "" && !consoleMatches(p.ConsoleName, q.Set) {
			continue
		}
		for _, pp := range []struct {
			pennies   int64
			condition string
		}{
			{p.LoosePrice, "loose"},
			{p.GradedPrice, "graded"},
		} {
			if pp.pennies <= 0 {
				continue
			}
			amount := pricecharting.USD(pp.pennies)
			obs = append(obs, model.RawPriceObservation{
				Source:     s.Name(),
				Price:      amount,
				Currency:   "USD",
				Amount:     amount,
				ObservedAt: observedAt,
				Condition:  pp.condition,
			})
		}
	}
	return obs, nil
}

// consoleMatches loosely compares PriceCharting's console-name (which holds
// the card set, e.g. "Pokemon Base Set") against the queried set name.
func consoleMatches(consoleName, set string) bool {
	return strings.Contains(
		strings.ToLower(consoleName),
		strings.ToLower(set),
	)
}

type tcgPlayerSource struct {
	client  tcgplayer.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// NewTCGPlayerSource wraps a TCGplayer client as a pricing source.
func NewTCGPlayerSource(client tcgplayer.Client, retry resilience.RetryConfig) Source {
	return &tcgPlayerSource{
		client:  client,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitConfig()),
		now:     time.Now,
	}
}

func (s *tcgPlayerSource) Name() string { return "tcgplayer" }

func (s *tcgPlayerSource) Fetch(ctx context.Context, q model.PriceQuery) ([]model.RawPriceObservation, error) {
	points, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) ([]tcgplayer.PricePoint, error) {
		return resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]tcgplayer.PricePoint, error) {
			return s.client.SearchPrices(ctx, q.CardName, q.Set)
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "tcgplayer fetch")
	}

	fallback := s.now().UTC()
	var obs []model.RawPriceObservation
	for _, pp := range points {
		if pp.MarketPrice <= 0 {
			continue
		}
		observedAt := fallback
		if ts, err := time.Parse(time.RFC3339, pp.UpdatedAt); err == nil {
			observedAt = ts.UTC()
		}
		obs = append(obs, model.RawPriceObservation{
			Source:     s.Name(),
			Price:      pp.MarketPrice,
			Currency:   "USD",
			Amount:     pp.MarketPrice,
			ObservedAt: observedAt,
			Condition:  strings.ToLower(pp.SubTypeName),
		})
	}
	return obs, nil
}
