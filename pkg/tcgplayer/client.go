// Package tcgplayer provides a client for the TCGplayer catalog and pricing
// API.
package tcgplayer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/cardlens/cardlens/internal/resilience"
)

// Client defines the TCGplayer operations used for price lookups.
type Client interface {
	// SearchPrices returns market prices for products matching the card
	// name, optionally narrowed by set name.
	SearchPrices(ctx context.Context, cardName, setName string) ([]PricePoint, error)
}

// PricePoint is one market price for a product variant.
type PricePoint struct {
	ProductID      int     `json:"productId"`
	ProductName    string  `json:"productName"`
	GroupName      string  `json:"groupName"`
	SubTypeName    string  `json:"subTypeName"`
	MarketPrice    float64 `json:"marketPrice"`
	LowPrice       float64 `json:"lowPrice"`
	MidPrice       float64 `json:"midPrice"`
	HighPrice      float64 `json:"highPrice"`
	DirectLowPrice float64 `json:"directLowPrice"`
	UpdatedAt      string  `json:"updatedAt"`
}

type searchResponse struct {
	Success bool         `json:"success"`
	Errors  []string     `json:"errors"`
	Results []PricePoint `json:"results"`
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
	bearerToken string
	baseURL     string
	http        *http.Client
	limiter     *rate.Limiter
}

// NewClient creates a TCGplayer client using a bearer token.
func NewClient(bearerToken string, opts ...Option) Client {
	c := &httpClient{
		bearerToken: bearerToken,
		baseURL:     "https://api.tcgplayer.com/v1.39.0",
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchPrices(ctx context.Context, cardName, setName string) ([]PricePoint, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "tcgplayer: rate limit wait")
	}

	q := cardName
	if setName != "" {
		q += " " + setName
	}
	reqURL := fmt.Sprintf("%s/pricing/search?q=%s", c.baseURL, url.QueryEscape(strings.TrimSpace(q)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "tcgplayer: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "tcgplayer: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "tcgplayer: read response body")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("tcgplayer: status %d: %s", resp.StatusCode, string(body)),
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("tcgplayer: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "tcgplayer: unmarshal response")
	}
	if !result.Success {
		return nil, eris.Errorf("tcgplayer: api errors: %s", strings.Join(result.Errors, "; "))
	}

	return result.Results, nil
}
