// Package digest renders the morning and evening market messages.
package digest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"market-digest/internal/domain"
)

// Variant selects the message framing.
type Variant string

const (
	Morning Variant = "morning"
	Evening Variant = "evening"
)

// DefaultAttribution closes every evening message.
const DefaultAttribution = "Powered by TeamADS"

// ParseVariant accepts "morning" or "evening" in any case.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case Morning, Evening:
		return v, nil
	default:
		return "", fmt.Errorf("unknown variant %q (want morning or evening)", s)
	}
}

// Input is everything a message is built from.
type Input struct {
	Variant   Variant
	Prices    domain.PriceSnapshot
	Sentiment *domain.Sentiment
	// Quote is the formatted quote trailer; empty omits it. Ignored for evening.
	Quote       string
	Date        time.Time
	Location    *time.Location
	Attribution string
	Assets      []domain.Asset
}

// Compose renders the message. It has no side effects.
func Compose(in Input) string {
	var b strings.Builder

	if in.Variant == Evening {
		b.WriteString("🌆 *Good Evening*\n\n")
	} else {
		b.WriteString("☀️ *Good Morning*\n\n")
	}

	b.WriteString(strings.Join(assetLines(in.Prices, in.Assets), "\n"))
	b.WriteString("\n\n")
	b.WriteString(sentimentLine(in.Sentiment))

	if in.Variant == Evening {
		attribution := in.Attribution
		if attribution == "" {
			attribution = DefaultAttribution
		}
		b.WriteString("\n\n🔧 _")
		b.WriteString(attribution)
		b.WriteString("_")
		return b.String()
	}

	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	b.WriteString("\n📅 ")
	b.WriteString(in.Date.In(loc).Format("Mon, 02 Jan"))
	if in.Quote != "" {
		b.WriteString("\n\n💬 *Quote of the Day:*\n")
		b.WriteString(in.Quote)
	}
	return b.String()
}

func assetLines(snap domain.PriceSnapshot, assets []domain.Asset) []string {
	prices := snap.Assets()
	sort.SliceStable(prices, func(i, j int) bool {
		return prices[i].ChangePct24h.GreaterThan(prices[j].ChangePct24h)
	})

	icons := make(map[string]string, len(assets))
	for _, a := range assets {
		icons[a.Symbol] = a.Icon
	}

	lines := make([]string, 0, len(prices))
	for _, p := range prices {
		lines = append(lines, assetLine(icons[p.Symbol], p))
	}
	return lines
}

func assetLine(icon string, p domain.AssetPrice) string {
	arrow := "🔼"
	if p.ChangePct24h.IsNegative() {
		arrow = "🔽"
	}
	line := fmt.Sprintf("%s: $%s %s %s%%", p.Symbol, p.Price.StringFixed(2), arrow, p.ChangePct24h.Abs().StringFixed(2))
	if icon == "" {
		return line
	}
	return icon + " " + line
}

// Bucket is the coarse sentiment direction.
type Bucket int

const (
	Neutral Bucket = iota
	GreedLeaning
	FearLeaning
)

// Emoji returns the indicator shown next to the sentiment value.
func (b Bucket) Emoji() string {
	switch b {
	case GreedLeaning:
		return "🟢"
	case FearLeaning:
		return "🔴"
	default:
		return "⚪️"
	}
}

// Classify buckets a label by substring; Greed wins over Fear.
func Classify(label string) Bucket {
	switch {
	case strings.Contains(label, "Greed"):
		return GreedLeaning
	case strings.Contains(label, "Fear"):
		return FearLeaning
	default:
		return Neutral
	}
}

func sentimentLine(s *domain.Sentiment) string {
	if s == nil {
		return "📊 Market Sentiment: N/A " + Neutral.Emoji()
	}
	return fmt.Sprintf("📊 Market Sentiment: %d%% %s", s.Value, Classify(s.Label).Emoji())
}
