package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"market-digest/internal/domain"
)

const fearGreedBaseURL = "https://api.alternative.me"

// FearGreed reads the alternative.me crypto Fear & Greed index.
type FearGreed struct {
	baseClient
	logger zerolog.Logger
}

// NewFearGreed constructs a sentiment fetcher.
func NewFearGreed(opts ClientOptions, logger zerolog.Logger) *FearGreed {
	return &FearGreed{
		baseClient: newBaseClient("feargreed", fearGreedBaseURL, opts),
		logger:     logger.With().Str("component", "feargreed_fetcher").Logger(),
	}
}

// FetchSentiment returns the most recent index reading.
func (f *FearGreed) FetchSentiment(ctx context.Context) (domain.Sentiment, error) {
	ctx, span := f.tracer.Start(ctx, "feargreed.fetch-latest")
	defer span.End()

	var payload struct {
		Data []struct {
			Value          string `json:"value"`
			Classification string `json:"value_classification"`
			Timestamp      string `json:"timestamp"`
		} `json:"data"`
	}
	if err := f.getJSON(ctx, f.baseURL+"/fng/?limit=1", nil, &payload); err != nil {
		span.RecordError(err)
		return domain.Sentiment{}, err
	}
	if len(payload.Data) == 0 {
		return domain.Sentiment{}, fetchErr(f.source, errors.New("response has no rows"))
	}

	row := payload.Data[0]
	value, err := strconv.Atoi(strings.TrimSpace(row.Value))
	if err != nil {
		return domain.Sentiment{}, fetchErr(f.source, fmt.Errorf("parse value: %w", err))
	}
	if value < 0 || value > 100 {
		return domain.Sentiment{}, fetchErr(f.source, fmt.Errorf("value %d out of range", value))
	}

	var ts time.Time
	if raw := strings.TrimSpace(row.Timestamp); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if secs > 1_000_000_000_000 {
				secs = secs / 1000
			}
			ts = time.Unix(secs, 0).UTC()
		}
	}

	span.SetAttributes(attribute.Int("feargreed.value", value))
	return domain.Sentiment{Value: value, Label: strings.TrimSpace(row.Classification), Timestamp: ts}, nil
}

var _ SentimentFetcher = (*FearGreed)(nil)
