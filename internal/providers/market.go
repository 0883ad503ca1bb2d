package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// MarketFetcher pulls a price/volume snapshot from a JSON market-data API.
type MarketFetcher struct {
	Endpoint string
	Client   *http.Client
}

// NewMarketFetcher builds a MarketFetcher with a bounded default client.
func NewMarketFetcher(endpoint string, timeout time.Duration) *MarketFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MarketFetcher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves the market snapshot for the subject. The ctx deadline set
// by the pipeline bounds the call; there are no retries.
func (f *MarketFetcher) Fetch(ctx context.Context, subject string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Add("symbol", subject)

	reqURL := fmt.Sprintf("%s?%s", f.Endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build market request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch market data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market endpoint returned %d", resp.StatusCode)
	}

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode market response: %w", err)
	}
	return payload, nil
}
