package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"market-digest/internal/digest"
)

// Preview composes a digest with live data and writes it to w. Nothing is
// sent and the quote is not marked as used.
func (a *App) Preview(ctx context.Context, variant digest.Variant, w io.Writer) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close(a.Logger)

	comp := rt.service.Preview(ctx, variant, time.Now())
	if err := comp.Err(); err != nil {
		a.Logger.Warn().Err(err).
			Str("price_source", string(comp.Prices.Source)).
			Str("sentiment_source", string(comp.Sentiment.Source)).
			Msg("preview composed from degraded inputs")
	}
	_, err = fmt.Fprintln(w, comp.Text)
	return err
}
