// Package pricecharting provides a client for the PriceCharting products API.
package pricecharting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cardlens/cardlens/internal/resilience"
)

// Client defines the PriceCharting operations used for price lookups.
type Client interface {
	// SearchProducts queries products matching the free-text query.
	SearchProducts(ctx context.Context, query string) ([]Product, error)
}

// Product is one PriceCharting product with its tracked price points.
// Prices are reported in pennies.
type Product struct {
	ID           string `json:"id"`
	ProductName  string `json:"product-name"`
	ConsoleName  string `json:"console-name"`
	LoosePrice   int64  `json:"loose-price"`
	GradedPrice  int64  `json:"graded-price"`
	ManualPrice  int64  `json:"manual-only-price"`
	ReleaseDate  string `json:"release-date"`
	SalesVolume  int    `json:"sales-volume"`
	RetailLoose  int64  `json:"retail-loose-buy"`
	RetailGraded int64  `json:"retail-new-buy"`
}

// USD converts a penny price to dollars.
func USD(pennies int64) float64 {
	return float64(pennies) / 100
}

type searchResponse struct {
	Status   string    `json:"status"`
	Products []Product `json:"products"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request rate limit.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a PriceCharting client.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: "https://www.pricecharting.com/api",
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchProducts(ctx context.Context, query string) ([]Product, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "pricecharting: rate limit wait")
	}

	reqURL := fmt.Sprintf("%s/products?t=%s&q=%s", c.baseURL, url.QueryEscape(c.token), url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "pricecharting: read response body")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("pricecharting: status %d: %s", resp.StatusCode, string(body)),
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("pricecharting: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "pricecharting: unmarshal response")
	}
	if result.Status != "success" {
		return nil, eris.Errorf("pricecharting: api status %q", result.Status)
	}

	return result.Products, nil
}
