package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"market-digest/internal/storage"
)

// Show prints recent deliveries.
func (a *App) Show(ctx context.Context, opts ShowOptions, w io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show deliveries")
	}
	if closeStore != nil {
		defer closeStore()
	}

	deliveries, err := store.ListRecentDeliveries(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeDeliveries(w, deliveries)
}

func writeDeliveries(w io.Writer, deliveries []storage.DeliveryRecord) error {
	if len(deliveries) == 0 {
		_, err := fmt.Fprintln(w, "no deliveries found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tDigest\tVariant\tDestination\tStatus\tError")

	for _, d := range deliveries {
		errMsg := ""
		if d.Error != nil {
			errMsg = sanitizeInline(*d.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\n",
			d.CreatedAt.UTC().Format(time.RFC3339),
			d.DigestID,
			d.Variant,
			d.Destination,
			d.Status,
			errMsg,
		)
	}

	return writer.Flush()
}

// Prune removes deliveries recorded before the cutoff.
func (a *App) Prune(ctx context.Context, before time.Time) (int64, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	if store == nil {
		return 0, errors.New("database not configured; nothing to prune")
	}
	if closeStore != nil {
		defer closeStore()
	}

	removed, err := store.DeleteDeliveriesBefore(ctx, before.UTC())
	if err != nil {
		return 0, err
	}
	a.Logger.Info().Int64("removed", removed).Time("before", before.UTC()).Msg("deliveries pruned")
	return removed, nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
