package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"market-digest/internal/domain"
)

const coingeckoBaseURL = "https://api.coingecko.com/api/v3"

// CoinGecko fetches spot prices and 24h change from the CoinGecko simple API.
type CoinGecko struct {
	baseClient
	apiKey string
	logger zerolog.Logger
	now    func() time.Time
}

// NewCoinGecko constructs a CoinGecko price fetcher.
func NewCoinGecko(opts ClientOptions, logger zerolog.Logger) *CoinGecko {
	return &CoinGecko{
		baseClient: newBaseClient("coingecko", coingeckoBaseURL, opts),
		apiKey:     strings.TrimSpace(opts.APIKey),
		logger:     logger.With().Str("component", "coingecko_fetcher").Logger(),
		now:        time.Now,
	}
}

// FetchPrices reads every asset in a single batched /simple/price call.
func (c *CoinGecko) FetchPrices(ctx context.Context, assets []domain.Asset) (domain.PriceSnapshot, error) {
	ctx, span := c.tracer.Start(ctx, "coingecko.fetch-prices")
	defer span.End()

	if len(assets) == 0 {
		return domain.PriceSnapshot{}, fetchErr(c.source, errors.New("no assets configured"))
	}

	ids := make([]string, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.CoinGeckoID)
	}
	span.SetAttributes(attribute.StringSlice("coingecko.ids", ids))

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", "usd")
	query.Set("include_24hr_change", "true")
	endpoint := c.baseURL + "/simple/price?" + query.Encode()

	var headers map[string]string
	if c.apiKey != "" {
		headers = map[string]string{"x-cg-demo-api-key": c.apiKey}
	}

	// {"bitcoin": {"usd": 97000, "usd_24h_change": 2.34}, ...}
	var raw map[string]map[string]json.Number
	if err := c.getJSON(ctx, endpoint, headers, &raw); err != nil {
		span.RecordError(err)
		return domain.PriceSnapshot{}, err
	}

	prices := make([]domain.AssetPrice, 0, len(assets))
	for _, a := range assets {
		row, ok := raw[a.CoinGeckoID]
		if !ok {
			return domain.PriceSnapshot{}, fetchErr(c.source, fmt.Errorf("missing %s (%s) in response", a.Symbol, a.CoinGeckoID))
		}
		price, err := parseNumber(row["usd"])
		if err != nil {
			return domain.PriceSnapshot{}, fetchErr(c.source, fmt.Errorf("parse %s price: %w", a.Symbol, err))
		}
		if price.IsNegative() {
			return domain.PriceSnapshot{}, fetchErr(c.source, fmt.Errorf("negative %s price %s", a.Symbol, price))
		}
		change := decimal.Zero
		if n, present := row["usd_24h_change"]; present && n != "" {
			change, err = parseNumber(n)
			if err != nil {
				return domain.PriceSnapshot{}, fetchErr(c.source, fmt.Errorf("parse %s change: %w", a.Symbol, err))
			}
		}
		prices = append(prices, domain.AssetPrice{Symbol: a.Symbol, Price: price, ChangePct24h: change})
	}

	c.logger.Debug().Int("assets", len(prices)).Msg("prices fetched")
	return domain.NewPriceSnapshot(prices, c.now().UTC()), nil
}

func parseNumber(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Decimal{}, errors.New("value missing")
	}
	return decimal.NewFromString(n.String())
}

var _ PriceFetcher = (*CoinGecko)(nil)
