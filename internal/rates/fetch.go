package rates

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/admarket/internal/money"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Fetcher obtains one pair's current rate from an external source.
type Fetcher interface {
	Pair() Pair
	Fetch(ctx context.Context) (Rate, error)
}

const (
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price"
	DefaultStarsRateURL = "https://bes-dev.github.io/telegram_stars_rates/api.json"

	// Stars-per-USD outside this range is treated as a bad quote.
	MinStarsPerUSD = 1
	MaxStarsPerUSD = 1000
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func getJSON(ctx context.Context, client *http.Client, rawURL string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to fetch rate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("rate API returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("rate API returned invalid JSON")
	}
	return gjson.ParseBytes(body), nil
}

// CoinGecko fetches the coin price in USD from the simple price API. The
// stable token is taken at par with USD.
type CoinGecko struct {
	BaseURL string
	CoinID  string // e.g. "ethereum"
	Client  *http.Client
}

// NewCoinGecko creates a CoinGecko fetcher for coinID.
func NewCoinGecko(coinID string) *CoinGecko {
	return &CoinGecko{BaseURL: DefaultCoinGeckoURL, CoinID: coinID, Client: newHTTPClient()}
}

func (c *CoinGecko) Pair() Pair { return CoinStable }

func (c *CoinGecko) Fetch(ctx context.Context) (Rate, error) {
	q := url.Values{"ids": {c.CoinID}, "vs_currencies": {"usd"}}
	res, err := getJSON(ctx, c.Client, c.BaseURL+"?"+q.Encode())
	if err != nil {
		return Rate{}, err
	}
	price := res.Get(c.CoinID + ".usd")
	if !price.Exists() {
		return Rate{}, fmt.Errorf("price for %q missing from response", c.CoinID)
	}
	v, err := decimal.NewFromString(price.Raw)
	if err != nil || !v.IsPositive() {
		return Rate{}, fmt.Errorf("invalid price returned: %s", price.Raw)
	}
	return Rate{Base: money.Coin, Quote: money.Stable, Value: v, Source: "coingecko", AsOf: time.Now().UTC()}, nil
}

// StarsRate fetches the Stars price in USDT and inverts it to whole
// Stars per USD.
type StarsRate struct {
	URL    string
	Client *http.Client
}

// NewStarsRate creates a Stars rate fetcher.
func NewStarsRate() *StarsRate {
	return &StarsRate{URL: DefaultStarsRateURL, Client: newHTTPClient()}
}

func (s *StarsRate) Pair() Pair { return StablePoints }

func (s *StarsRate) Fetch(ctx context.Context) (Rate, error) {
	res, err := getJSON(ctx, s.Client, s.URL)
	if err != nil {
		return Rate{}, err
	}
	raw := res.Get("usdt_per_star")
	if raw.Type != gjson.Number || raw.Float() <= 0 {
		return Rate{}, fmt.Errorf("invalid usdt_per_star in response: %s", raw.Raw)
	}
	perStar, err := decimal.NewFromString(raw.Raw)
	if err != nil {
		return Rate{}, err
	}
	starsPerUSD := decimal.NewFromInt(1).DivRound(perStar, 8).Round(0)
	if starsPerUSD.LessThan(decimal.NewFromInt(MinStarsPerUSD)) || starsPerUSD.GreaterThan(decimal.NewFromInt(MaxStarsPerUSD)) {
		return Rate{}, fmt.Errorf("stars rate out of expected range: %s", starsPerUSD)
	}
	return Rate{Base: money.Stable, Quote: money.Points, Value: starsPerUSD, Source: "stars_rates", AsOf: time.Now().UTC()}, nil
}
