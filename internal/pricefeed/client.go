// Package pricefeed implements clients for external price sources. Each feed
// serves normalized 18-decimal prices for configured trading pairs, over
// plain HTTP polling or a streaming WebSocket.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// fetchTimeout bounds every price fetch. A feed that cannot answer within
// this window is treated as failed for the cycle.
const fetchTimeout = 10 * time.Second

// Config identifies one external price source.
type Config struct {
	Name   string
	URL    string
	APIKey string
}

// Client is the REST client for a single price feed.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a price feed client with a bounded request timeout.
func NewClient(cfg Config) *Client {
	return &Client{
		name:    cfg.Name,
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: fetchTimeout,
		},
	}
}

// Name returns the feed's configured source name.
func (c *Client) Name() string {
	return c.name
}

// priceResponse is the feed's wire format. Feeds either report a decimal
// string ("3245.67") or a fixed-point integer plus its decimals.
type priceResponse struct {
	Price     string `json:"price"`
	Decimals  int    `json:"decimals,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// FetchPrice fetches the latest price for a pair. A non-200 response, a
// malformed payload, or a non-numeric price string all yield an error; the
// caller logs and skips the pair for this cycle.
func (c *Client) FetchPrice(ctx context.Context, pair domain.TokenPair) (domain.PriceObservation, error) {
	endpoint := fmt.Sprintf("%s/price/%s", c.baseURL, url.PathEscape(pair.Symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("pricefeed %s: build request: %w", c.name, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("pricefeed %s: fetch %s: %w", c.name, pair.Symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("pricefeed %s: read body: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.PriceObservation{}, fmt.Errorf("pricefeed %s: HTTP %d: %s", c.name, resp.StatusCode, body)
	}

	var pr priceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return domain.PriceObservation{}, fmt.Errorf("pricefeed %s: decode payload: %w", c.name, err)
	}

	price, err := parsePayloadPrice(pr)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("pricefeed %s: %w", c.name, err)
	}

	source := pr.Source
	if source == "" {
		source = c.name
	}

	observedAt := time.Now()
	if pr.Timestamp > 0 {
		observedAt = time.Unix(pr.Timestamp, 0)
	}

	return domain.PriceObservation{
		Token0:     pair.Token0,
		Token1:     pair.Token1,
		Price:      price,
		Source:     source,
		ObservedAt: observedAt,
	}, nil
}

// parsePayloadPrice normalizes the payload price to 18 decimals. When the
// feed declares source decimals the price field must be a fixed-point
// integer; otherwise it is parsed as a decimal string.
func parsePayloadPrice(pr priceResponse) (*big.Int, error) {
	if pr.Decimals > 0 {
		raw, ok := new(big.Int).SetString(pr.Price, 10)
		if !ok {
			return nil, fmt.Errorf("invalid fixed-point price %q", pr.Price)
		}
		return domain.NormalizePrice(raw, pr.Decimals)
	}
	return domain.ParsePrice(pr.Price)
}
