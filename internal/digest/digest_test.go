package digest

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"market-digest/internal/domain"
)

func price(symbol, p, change string) domain.AssetPrice {
	return domain.AssetPrice{
		Symbol:       symbol,
		Price:        decimal.RequireFromString(p),
		ChangePct24h: decimal.RequireFromString(change),
	}
}

func sampleSnapshot() domain.PriceSnapshot {
	return domain.NewPriceSnapshot([]domain.AssetPrice{
		price("BTC", "97000.456", "5"),
		price("ETH", "3400.1", "-2"),
		price("SOL", "180", "1"),
	}, time.Time{})
}

func TestComposeSortsByChangeDescending(t *testing.T) {
	msg := Compose(Input{Variant: Evening, Prices: sampleSnapshot(), Assets: domain.DefaultAssets})

	want := strings.Join([]string{
		"💹 BTC: $97000.46 🔼 5.00%",
		"🔷 SOL: $180.00 🔼 1.00%",
		"💣 ETH: $3400.10 🔽 2.00%",
	}, "\n")
	if !strings.Contains(msg, want) {
		t.Fatalf("asset lines out of order:\n%s", msg)
	}
}

func TestComposeStableOnTies(t *testing.T) {
	snap := domain.NewPriceSnapshot([]domain.AssetPrice{
		price("BTC", "1", "0"),
		price("ETH", "1", "0"),
		price("SOL", "1", "0"),
	}, time.Time{})
	msg := Compose(Input{Variant: Evening, Prices: snap})

	btc, eth, sol := strings.Index(msg, "BTC"), strings.Index(msg, "ETH"), strings.Index(msg, "SOL")
	if !(btc < eth && eth < sol) {
		t.Fatalf("ties must keep enumeration order:\n%s", msg)
	}
	if !strings.Contains(msg, "BTC: $1.00 🔼 0.00%") {
		t.Fatalf("zero change renders as up:\n%s", msg)
	}
}

func TestComposeMorning(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 22:00 UTC on Jan 5 is already Jan 6 in IST.
	at := time.Date(2025, 1, 5, 22, 0, 0, 0, time.UTC)

	msg := Compose(Input{
		Variant:   Morning,
		Prices:    sampleSnapshot(),
		Sentiment: &domain.Sentiment{Value: 72, Label: "Greed"},
		Quote:     "_Stay hungry._\n— *Steve Jobs*",
		Date:      at,
		Location:  ist,
		Assets:    domain.DefaultAssets,
	})

	if !strings.HasPrefix(msg, "☀️ *Good Morning*\n\n💹 BTC") {
		t.Fatalf("unexpected header:\n%s", msg)
	}
	if !strings.Contains(msg, "📊 Market Sentiment: 72% 🟢\n📅 Mon, 06 Jan") {
		t.Fatalf("missing sentiment or date stamp:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "\n\n💬 *Quote of the Day:*\n_Stay hungry._\n— *Steve Jobs*") {
		t.Fatalf("missing quote trailer:\n%s", msg)
	}
}

func TestComposeMorningWithoutQuote(t *testing.T) {
	msg := Compose(Input{Variant: Morning, Prices: sampleSnapshot(), Date: time.Date(2025, 3, 3, 4, 0, 0, 0, time.UTC)})
	if strings.Contains(msg, "Quote of the Day") {
		t.Fatalf("quote trailer should be omitted:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "📅 Mon, 03 Mar") {
		t.Fatalf("date should close the message:\n%s", msg)
	}
}

func TestComposeEvening(t *testing.T) {
	msg := Compose(Input{
		Variant:     Evening,
		Prices:      sampleSnapshot(),
		Sentiment:   &domain.Sentiment{Value: 20, Label: "Extreme Fear"},
		Quote:       "ignored",
		Attribution: "Ops desk",
	})

	if !strings.HasPrefix(msg, "🌆 *Good Evening*\n\n") {
		t.Fatalf("unexpected header:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "📊 Market Sentiment: 20% 🔴\n\n🔧 _Ops desk_") {
		t.Fatalf("unexpected trailer:\n%s", msg)
	}
	if strings.Contains(msg, "ignored") || strings.Contains(msg, "📅") {
		t.Fatalf("evening carries neither quote nor date:\n%s", msg)
	}
}

func TestComposeSentimentFallbacks(t *testing.T) {
	msg := Compose(Input{Variant: Evening, Prices: sampleSnapshot()})
	if !strings.Contains(msg, "📊 Market Sentiment: N/A ⚪️") {
		t.Fatalf("absent sentiment should be neutral N/A:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "🔧 _"+DefaultAttribution+"_") {
		t.Fatalf("default attribution missing:\n%s", msg)
	}

	msg = Compose(Input{Variant: Evening, Prices: sampleSnapshot(), Sentiment: &domain.Sentiment{Value: 50, Label: "Neutral"}})
	if !strings.Contains(msg, "📊 Market Sentiment: 50% ⚪️") {
		t.Fatalf("neutral label:\n%s", msg)
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]Bucket{
		"Extreme Greed": GreedLeaning,
		"Greed":         GreedLeaning,
		"Fear":          FearLeaning,
		"Extreme Fear":  FearLeaning,
		"Neutral":       Neutral,
		"":              Neutral,
	}
	for label, want := range cases {
		if got := Classify(label); got != want {
			t.Errorf("Classify(%q) = %d, want %d", label, got, want)
		}
	}
}

func TestParseVariant(t *testing.T) {
	if v, err := ParseVariant(" Morning "); err != nil || v != Morning {
		t.Fatalf("got %q %v", v, err)
	}
	if _, err := ParseVariant("noon"); err == nil {
		t.Fatal("expected error")
	}
}
