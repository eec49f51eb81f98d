package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-digest/internal/config"
	"market-digest/internal/digest"
	"market-digest/internal/domain"
	"market-digest/internal/quotes"
	"market-digest/internal/storage"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/simple/price", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":97000,"usd_24h_change":5},"ethereum":{"usd":3400,"usd_24h_change":-2},"solana":{"usd":180,"usd_24h_change":1}}`))
	})
	mux.HandleFunc("/fng/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"value":"72","value_classification":"Greed","timestamp":"1735722000"}]}`))
	})
	mux.HandleFunc("/api/qotd", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"quote":{"body":"Stay humble.","author":"Anon"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(upstream, logPath string) *config.Config {
	cfg := &config.Config{}
	cfg.App.Name = "marketdigest"
	cfg.Scheduler.Timezone = "UTC"
	cfg.Upstream.CoinGecko.BaseURL = upstream
	cfg.Upstream.FearGreed.BaseURL = upstream
	cfg.Upstream.FavQs.BaseURL = upstream
	cfg.Upstream.RequestTimeout = 5 * time.Second
	cfg.Upstream.PriceTTL = time.Minute
	cfg.Upstream.SentimentTTL = time.Minute
	cfg.Upstream.Assets = append([]domain.Asset(nil), domain.DefaultAssets...)
	cfg.Quotes.Enabled = logPath != ""
	cfg.Quotes.LogPath = logPath
	cfg.Delivery.Attribution = digest.DefaultAttribution
	cfg.Export.MaxDataPoints = 100
	return cfg
}

func TestPreviewComposesWithoutClaimingQuote(t *testing.T) {
	upstream := newUpstream(t)
	logPath := filepath.Join(t.TempDir(), "usedQuotes.txt")
	a := NewApp(testConfig(upstream.URL, logPath), zerolog.Nop())

	var out bytes.Buffer
	if err := a.Preview(context.Background(), digest.Morning, &out); err != nil {
		t.Fatalf("preview: %v", err)
	}

	text := out.String()
	for _, want := range []string{"Good Morning", "BTC: $97000.00", "📊 Market Sentiment: 72%", "_Stay humble._"} {
		if !strings.Contains(text, want) {
			t.Fatalf("preview missing %q:\n%s", want, text)
		}
	}
	if strings.Index(text, "BTC") > strings.Index(text, "SOL") || strings.Index(text, "SOL") > strings.Index(text, "ETH") {
		t.Fatalf("lines should be ordered by change:\n%s", text)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("preview must not write the quote log, stat err=%v", err)
	}
}

func TestPreviewEveningWithUnreachableUpstream(t *testing.T) {
	upstream := newUpstream(t)
	upstream.Close()
	a := NewApp(testConfig(upstream.URL, ""), zerolog.Nop())

	var out bytes.Buffer
	if err := a.Preview(context.Background(), digest.Evening, &out); err != nil {
		t.Fatalf("preview should degrade, not fail: %v", err)
	}
	if !strings.Contains(out.String(), "Good Evening") || !strings.Contains(out.String(), digest.DefaultAttribution) {
		t.Fatalf("unexpected evening preview:\n%s", out.String())
	}
}

func TestPreviewWithUnreadableQuoteLog(t *testing.T) {
	upstream := newUpstream(t)
	a := NewApp(testConfig(upstream.URL, t.TempDir()), zerolog.Nop())

	var out bytes.Buffer
	if err := a.Preview(context.Background(), digest.Morning, &out); err != nil {
		t.Fatalf("a broken quote log must not stop composition: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "Good Morning") || !strings.Contains(text, "BTC: $97000.00") {
		t.Fatalf("digest should still render:\n%s", text)
	}
	if strings.Contains(text, "Quote of the Day") || strings.Contains(text, "Stay humble.") {
		t.Fatalf("quote must be omitted:\n%s", text)
	}
}

func TestUnavailableQuotesReportPersistenceError(t *testing.T) {
	_, err := quotes.OpenHashLog(t.TempDir())
	if !errors.Is(err, quotes.ErrPersistence) {
		t.Fatalf("expected persistence error opening a directory, got %v", err)
	}
	sel, selErr := unavailableQuotes{err: err}.Select(context.Background())
	if sel != nil || !errors.Is(selErr, quotes.ErrPersistence) {
		t.Fatalf("every tick should surface the persistence failure: %v %v", sel, selErr)
	}
}

func TestSendRequiresTransport(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", "")
	cfg.Transport.Kind = config.TransportTelegram
	if err := NewApp(cfg, zerolog.Nop()).Send(context.Background(), digest.Morning); err == nil {
		t.Fatal("missing bot token should fail before connecting")
	}
}

func TestCommandsNeedDatabase(t *testing.T) {
	a := NewApp(testConfig("http://127.0.0.1:1", ""), zerolog.Nop())
	ctx := context.Background()

	if err := a.Show(ctx, ShowOptions{Limit: 5}, &bytes.Buffer{}); err == nil {
		t.Fatal("show without database should fail")
	}
	if _, err := a.Prune(ctx, time.Now()); err == nil {
		t.Fatal("prune without database should fail")
	}
	if err := a.Export(ctx, ExportOptions{CSVPath: "out.csv"}); err == nil {
		t.Fatal("export without database should fail")
	}
}

func TestExportValidatesArguments(t *testing.T) {
	a := NewApp(testConfig("http://127.0.0.1:1", ""), zerolog.Nop())
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("export without outputs should fail")
	}

	from := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	if err := a.Export(context.Background(), ExportOptions{CSVPath: "x.csv", From: &from, To: &to}); err == nil {
		t.Fatal("inverted window should fail")
	}
}

func point(symbol string, at time.Time, price, change int64) storage.PricePoint {
	return storage.PricePoint{
		DigestID:     at.Unix(),
		Symbol:       symbol,
		Price:        decimal.NewFromInt(price),
		ChangePct24h: decimal.NewFromInt(change),
		FetchedAt:    at,
	}
}

func TestGroupAndDownsample(t *testing.T) {
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	var points []storage.PricePoint
	for i := 0; i < 10; i++ {
		at := base.Add(time.Duration(i) * 24 * time.Hour)
		points = append(points, point("SOL", at, 100, 1), point("BTC", at, 90000, 2))
	}

	series := groupBySymbol(points)
	if len(series) != 2 || series[0].symbol != "BTC" || series[1].symbol != "SOL" {
		t.Fatalf("unexpected grouping: %+v", series)
	}
	if len(series[0].points) != 10 {
		t.Fatalf("expected 10 BTC points, got %d", len(series[0].points))
	}

	sampled := downsamplePoints(series[0].points, 4)
	if len(sampled) != 4 {
		t.Fatalf("expected 4 points, got %d", len(sampled))
	}
	if !sampled[0].FetchedAt.Equal(base) || !sampled[3].FetchedAt.Equal(base.Add(9*24*time.Hour)) {
		t.Fatal("downsampling must keep both ends of the window")
	}
	if got := downsamplePoints(series[0].points, 0); len(got) != 10 {
		t.Fatal("zero max keeps everything")
	}
}

func TestWritePointsCSV(t *testing.T) {
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	series := groupBySymbol([]storage.PricePoint{point("BTC", base, 97000, 5), point("ETH", base, 3400, -2)})
	path := filepath.Join(t.TempDir(), "nested", "prices.csv")

	if err := writePointsCSV(path, series); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "fetched_at" || rows[1][1] != "BTC" || rows[2][3] != "-2.00" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestWriteDeliveries(t *testing.T) {
	var out bytes.Buffer
	if err := writeDeliveries(&out, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.TrimSpace(out.String()) != "no deliveries found" {
		t.Fatalf("unexpected output: %q", out.String())
	}

	out.Reset()
	msg := "not connected\nstate closing"
	err := writeDeliveries(&out, []storage.DeliveryRecord{
		{DigestID: 7, Variant: "morning", Destination: "-100", Status: storage.StatusSent, CreatedAt: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)},
		{DigestID: 7, Variant: "morning", Destination: "-200", Status: storage.StatusFailed, Error: &msg, CreatedAt: time.Date(2025, 1, 1, 9, 0, 1, 0, time.UTC)},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 lines, got %d:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[2], "not connected state closing") {
		t.Fatalf("error should be flattened onto one line: %q", lines[2])
	}
}
