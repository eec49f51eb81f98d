package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Asset identifies a tracked coin and how it is presented.
type Asset struct {
	Symbol      string `mapstructure:"symbol"`
	CoinGeckoID string `mapstructure:"coingecko_id"`
	Icon        string `mapstructure:"icon"`
}

// DefaultAssets is the fixed BTC/ETH/SOL set in enumeration order.
var DefaultAssets = []Asset{
	{Symbol: "BTC", CoinGeckoID: "bitcoin", Icon: "💹"},
	{Symbol: "ETH", CoinGeckoID: "ethereum", Icon: "💣"},
	{Symbol: "SOL", CoinGeckoID: "solana", Icon: "🔷"},
}

// AssetPrice is one normalised price line.
type AssetPrice struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	ChangePct24h decimal.Decimal `json:"change_pct_24h"`
}

// PriceSnapshot holds prices for every configured asset in enumeration order.
// Snapshots are values: Assets always returns a copy.
type PriceSnapshot struct {
	assets    []AssetPrice
	fetchedAt time.Time
}

// NewPriceSnapshot copies prices into an immutable snapshot.
func NewPriceSnapshot(prices []AssetPrice, fetchedAt time.Time) PriceSnapshot {
	cp := make([]AssetPrice, len(prices))
	copy(cp, prices)
	return PriceSnapshot{assets: cp, fetchedAt: fetchedAt}
}

// PlaceholderSnapshot returns zero price and zero change for each asset.
func PlaceholderSnapshot(assets []Asset) PriceSnapshot {
	prices := make([]AssetPrice, 0, len(assets))
	for _, a := range assets {
		prices = append(prices, AssetPrice{Symbol: a.Symbol, Price: decimal.Zero, ChangePct24h: decimal.Zero})
	}
	return PriceSnapshot{assets: prices}
}

// Assets returns the price lines in enumeration order.
func (s PriceSnapshot) Assets() []AssetPrice {
	cp := make([]AssetPrice, len(s.assets))
	copy(cp, s.assets)
	return cp
}

// Get looks up a single asset by symbol.
func (s PriceSnapshot) Get(symbol string) (AssetPrice, bool) {
	for _, p := range s.assets {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return AssetPrice{}, false
}

// FetchedAt reports when the upstream data was read. Zero for placeholders.
func (s PriceSnapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

// IsZero reports whether the snapshot carries no assets.
func (s PriceSnapshot) IsZero() bool {
	return len(s.assets) == 0
}

type snapshotJSON struct {
	Assets    []AssetPrice `json:"assets"`
	FetchedAt time.Time    `json:"fetched_at"`
}

// MarshalJSON lets the cache mirror persist snapshots.
func (s PriceSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{Assets: s.assets, FetchedAt: s.fetchedAt})
}

// UnmarshalJSON restores a mirrored snapshot.
func (s *PriceSnapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewPriceSnapshot(raw.Assets, raw.FetchedAt)
	return nil
}

// Sentiment is the market Fear & Greed reading.
type Sentiment struct {
	Value     int       `json:"value"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}

// Quote is a quote-of-the-day candidate.
type Quote struct {
	Body   string
	Author string

	// RawBody is the body exactly as the source sent it, before trimming.
	RawBody string
}
