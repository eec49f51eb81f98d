package quotes

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"market-digest/internal/domain"
	"market-digest/internal/fetcher"
)

// UnknownAuthor is rendered when the source omits the author.
const UnknownAuthor = "Unknown"

// Digest returns the dedup key for a quote body. It identifies content only
// and carries no integrity guarantee.
func Digest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// legacyDigest is the base64 of the untrimmed source body, the form written
// by earlier deployments.
func legacyDigest(q domain.Quote) string {
	body := q.RawBody
	if body == "" {
		body = q.Body
	}
	return base64.StdEncoding.EncodeToString([]byte(body))
}

// Format renders a quote for the morning trailer.
func Format(q domain.Quote) string {
	author := strings.TrimSpace(q.Author)
	if author == "" {
		author = UnknownAuthor
	}
	return fmt.Sprintf("_%s_\n— *%s*", q.Body, author)
}

// Selection is a novel quote that has been recorded as used.
type Selection struct {
	Quote  domain.Quote
	Digest string
	Text   string
}

// Deduplicator hands out each quote at most once over the life of its log.
type Deduplicator struct {
	fetcher fetcher.QuoteFetcher
	log     *HashLog
	logger  zerolog.Logger
}

// NewDeduplicator constructs a Deduplicator over an opened log.
func NewDeduplicator(f fetcher.QuoteFetcher, log *HashLog, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		fetcher: f,
		log:     log,
		logger:  logger.With().Str("component", "quotes").Logger(),
	}
}

// Select fetches the quote of the day. It returns nil, nil when the quote was
// already delivered; the caller omits the quote for this tick. Log failures
// wrap ErrPersistence.
func (d *Deduplicator) Select(ctx context.Context) (*Selection, error) {
	q, err := d.fetcher.FetchQuote(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch quote: %w", err)
	}

	digest := Digest(q.Body)
	novel, err := d.log.Claim(digest, legacyDigest(q))
	if err != nil {
		return nil, err
	}
	if !novel {
		d.logger.Info().Str("digest", digest).Msg("quote already used; skipping")
		return nil, nil
	}

	d.logger.Debug().Str("digest", digest).Int("used", d.log.Len()).Msg("quote recorded")
	return &Selection{Quote: q, Digest: digest, Text: Format(q)}, nil
}

// Peek fetches the quote of the day and reports it if unused, without
// recording it.
func (d *Deduplicator) Peek(ctx context.Context) (*Selection, error) {
	q, err := d.fetcher.FetchQuote(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch quote: %w", err)
	}
	digest := Digest(q.Body)
	if d.log.Contains(digest) || d.log.Contains(legacyDigest(q)) {
		return nil, nil
	}
	return &Selection{Quote: q, Digest: digest, Text: Format(q)}, nil
}
