package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"market-digest/internal/domain"
)

const favqsBaseURL = "https://favqs.com"

// FavQs reads the FavQs quote of the day.
type FavQs struct {
	baseClient
	apiKey string
	logger zerolog.Logger
}

// NewFavQs constructs a quote fetcher.
func NewFavQs(opts ClientOptions, logger zerolog.Logger) *FavQs {
	return &FavQs{
		baseClient: newBaseClient("favqs", favqsBaseURL, opts),
		apiKey:     strings.TrimSpace(opts.APIKey),
		logger:     logger.With().Str("component", "favqs_fetcher").Logger(),
	}
}

// FetchQuote returns the current quote of the day.
func (f *FavQs) FetchQuote(ctx context.Context) (domain.Quote, error) {
	ctx, span := f.tracer.Start(ctx, "favqs.fetch-qotd")
	defer span.End()

	var headers map[string]string
	if f.apiKey != "" {
		headers = map[string]string{"Authorization": fmt.Sprintf("Token token=%q", f.apiKey)}
	}

	var payload struct {
		Quote struct {
			Body   string `json:"body"`
			Author string `json:"author"`
		} `json:"quote"`
	}
	if err := f.getJSON(ctx, f.baseURL+"/api/qotd", headers, &payload); err != nil {
		span.RecordError(err)
		return domain.Quote{}, err
	}

	body := strings.TrimSpace(payload.Quote.Body)
	if body == "" {
		return domain.Quote{}, fetchErr(f.source, errors.New("empty quote body"))
	}
	return domain.Quote{
		Body:    body,
		Author:  strings.TrimSpace(payload.Quote.Author),
		RawBody: payload.Quote.Body,
	}, nil
}

var _ QuoteFetcher = (*FavQs)(nil)
