package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const feedTimeout = 5 * time.Second

// CoinGeckoFeed fetches SOL/USD from the CoinGecko simple-price API.
type CoinGeckoFeed struct {
	baseURL string
	client  *http.Client
}

// NewCoinGeckoFeed creates the primary price feed.
func NewCoinGeckoFeed() *CoinGeckoFeed {
	return &CoinGeckoFeed{
		baseURL: "https://api.coingecko.com/api/v3",
		client:  &http.Client{Timeout: feedTimeout},
	}
}

// NewCoinGeckoFeedWithURL creates a feed against a custom base URL, for tests.
func NewCoinGeckoFeedWithURL(baseURL string) *CoinGeckoFeed {
	f := NewCoinGeckoFeed()
	f.baseURL = baseURL
	return f
}

func (f *CoinGeckoFeed) Name() string { return "coingecko" }

func (f *CoinGeckoFeed) Fetch(ctx context.Context) (float64, error) {
	url := f.baseURL + "/simple/price?ids=solana&vs_currencies=usd"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("coingecko request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko returned status %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode coingecko response: %w", err)
	}

	price, ok := body["solana"]["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("coingecko response missing solana/usd price")
	}
	return price, nil
}

// KrakenFeed fetches SOL/USD from the Kraken public ticker API.
type KrakenFeed struct {
	baseURL string
	client  *http.Client
}

// NewKrakenFeed creates the secondary price feed.
func NewKrakenFeed() *KrakenFeed {
	return &KrakenFeed{
		baseURL: "https://api.kraken.com/0/public",
		client:  &http.Client{Timeout: feedTimeout},
	}
}

// NewKrakenFeedWithURL creates a feed against a custom base URL, for tests.
func NewKrakenFeedWithURL(baseURL string) *KrakenFeed {
	f := NewKrakenFeed()
	f.baseURL = baseURL
	return f
}

func (f *KrakenFeed) Name() string { return "kraken" }

func (f *KrakenFeed) Fetch(ctx context.Context) (float64, error) {
	url := f.baseURL + "/Ticker?pair=SOLUSD"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kraken request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("kraken returned status %d", resp.StatusCode)
	}

	var body struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			// c holds [last trade price, lot volume]
			C []string `json:"c"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode kraken response: %w", err)
	}
	if len(body.Error) > 0 {
		return 0, fmt.Errorf("kraken error: %v", body.Error)
	}

	for _, ticker := range body.Result {
		if len(ticker.C) == 0 {
			continue
		}
		price, err := strconv.ParseFloat(ticker.C[0], 64)
		if err != nil {
			return 0, fmt.Errorf("parse kraken price: %w", err)
		}
		return price, nil
	}
	return 0, fmt.Errorf("kraken response missing SOLUSD ticker")
}
