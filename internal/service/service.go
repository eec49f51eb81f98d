package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-digest/internal/aggregator"
	"market-digest/internal/alerting"
	"market-digest/internal/digest"
	"market-digest/internal/domain"
	"market-digest/internal/quotes"
	"market-digest/internal/scheduler"
	"market-digest/internal/storage"
)

// Job names registered with the scheduler.
const (
	JobMorning = "morning"
	JobEvening = "evening"
	JobRefresh = "refresh"
)

// PriceSource yields price snapshots.
type PriceSource interface {
	Snapshot(ctx context.Context) aggregator.PriceResult
}

// SentimentSource yields the sentiment reading.
type SentimentSource interface {
	Sentiment(ctx context.Context) aggregator.SentimentResult
}

// QuoteSelector picks the morning quote.
type QuoteSelector interface {
	Select(ctx context.Context) (*quotes.Selection, error)
	Peek(ctx context.Context) (*quotes.Selection, error)
}

// Dispatcher delivers a message to every destination.
type Dispatcher interface {
	Dispatch(ctx context.Context, text string) alerting.Report
}

// Options carry presentation and coordination settings.
type Options struct {
	Assets      []domain.Asset
	Location    *time.Location
	Attribution string
	LockKey     int64
}

// Deps are the collaborators of a Service. Quotes, Digests, Deliveries and
// Locker may be nil.
type Deps struct {
	Prices     PriceSource
	Sentiment  SentimentSource
	Quotes     QuoteSelector
	Dispatcher Dispatcher
	Digests    storage.DigestStore
	Deliveries storage.DeliveryStore
	Locker     storage.AdvisoryLocker
}

// Composition is a rendered digest with the data it was built from.
type Composition struct {
	Variant   digest.Variant
	At        time.Time
	Text      string
	Prices    aggregator.PriceResult
	Sentiment aggregator.SentimentResult
	Quote     *quotes.Selection
	QuoteErr  error
}

// Err joins every failure surfaced while composing.
func (c Composition) Err() error {
	return errors.Join(c.Prices.Err, c.Sentiment.Err, c.QuoteErr)
}

// Service ties scheduled triggers to aggregation, composition and delivery.
type Service struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// New constructs the digest service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if len(opts.Assets) == 0 {
		opts.Assets = domain.DefaultAssets
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Register binds the digest and refresh jobs. An empty refresh expression
// disables the cache warmer.
func (s *Service) Register(sched *scheduler.Scheduler, morningCron, eveningCron, refreshCron string) error {
	if err := sched.Register(JobMorning, morningCron, func(ctx context.Context, at time.Time) error {
		return s.RunDigest(ctx, digest.Morning, at)
	}); err != nil {
		return err
	}
	if err := sched.Register(JobEvening, eveningCron, func(ctx context.Context, at time.Time) error {
		return s.RunDigest(ctx, digest.Evening, at)
	}); err != nil {
		return err
	}
	if refreshCron == "" {
		return nil
	}
	return sched.Register(JobRefresh, refreshCron, s.Refresh)
}

// RunDigest 执行一次定时推送：聚合、组装、投递并记录。
// The message is always sent when composition succeeds; the returned error
// reports degraded inputs and failed destinations.
func (s *Service) RunDigest(ctx context.Context, variant digest.Variant, at time.Time) error {
	unlock, proceed := s.acquireLock(ctx)
	if !proceed {
		s.logger.Info().Str("variant", string(variant)).Msg("skip digest because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	comp := s.compose(ctx, variant, at, true)
	report := s.deps.Dispatcher.Dispatch(ctx, comp.Text)
	s.audit(ctx, comp, report)

	s.logger.Info().
		Str("variant", string(variant)).
		Str("price_source", string(comp.Prices.Source)).
		Str("sentiment_source", string(comp.Sentiment.Source)).
		Bool("quote", comp.Quote != nil).
		Int("sent", report.Sent()).
		Int("destinations", len(report.Deliveries)).
		Msg("digest dispatched")

	return errors.Join(comp.Err(), report.Err())
}

// Preview composes a digest without sending it or consuming the quote.
func (s *Service) Preview(ctx context.Context, variant digest.Variant, at time.Time) Composition {
	return s.compose(ctx, variant, at, false)
}

// Refresh warms both caches.
func (s *Service) Refresh(ctx context.Context, at time.Time) error {
	prices := s.deps.Prices.Snapshot(ctx)
	sentiment := s.deps.Sentiment.Sentiment(ctx)
	s.logger.Debug().
		Str("price_source", string(prices.Source)).
		Str("sentiment_source", string(sentiment.Source)).
		Msg("cache refreshed")
	return errors.Join(prices.Err, sentiment.Err)
}

func (s *Service) compose(ctx context.Context, variant digest.Variant, at time.Time, claimQuote bool) Composition {
	comp := Composition{Variant: variant, At: at}
	comp.Prices = s.deps.Prices.Snapshot(ctx)
	comp.Sentiment = s.deps.Sentiment.Sentiment(ctx)

	if variant == digest.Morning && s.deps.Quotes != nil {
		var sel *quotes.Selection
		var err error
		if claimQuote {
			sel, err = s.deps.Quotes.Select(ctx)
		} else {
			sel, err = s.deps.Quotes.Peek(ctx)
		}
		if err != nil {
			comp.QuoteErr = fmt.Errorf("quote omitted: %w", err)
			s.logger.Warn().Err(err).Msg("quote unavailable; omitting")
		}
		comp.Quote = sel
	}

	in := digest.Input{
		Variant:     variant,
		Prices:      comp.Prices.Snapshot,
		Sentiment:   comp.Sentiment.Sentiment,
		Date:        at,
		Location:    s.opts.Location,
		Attribution: s.opts.Attribution,
		Assets:      s.opts.Assets,
	}
	if comp.Quote != nil {
		in.Quote = comp.Quote.Text
	}
	comp.Text = digest.Compose(in)
	return comp
}

func (s *Service) audit(ctx context.Context, comp Composition, report alerting.Report) {
	if s.deps.Digests == nil {
		return
	}

	record := storage.DigestRecord{
		Variant:      string(comp.Variant),
		ScheduledFor: comp.At.UTC(),
		Body:         comp.Text,
		PriceSource:  string(comp.Prices.Source),
	}
	if sent := comp.Sentiment.Sentiment; sent != nil {
		value, label := sent.Value, sent.Label
		record.SentimentValue = &value
		record.SentimentLabel = &label
	}
	if comp.Quote != nil {
		d := comp.Quote.Digest
		record.QuoteDigest = &d
	}

	assets := comp.Prices.Snapshot.Assets()
	points := make([]storage.PricePoint, 0, len(assets))
	for _, a := range assets {
		points = append(points, storage.PricePoint{
			Symbol:       a.Symbol,
			Price:        a.Price,
			ChangePct24h: a.ChangePct24h,
			FetchedAt:    comp.Prices.Snapshot.FetchedAt(),
		})
	}

	saved, err := s.deps.Digests.InsertDigest(ctx, record, points)
	if err != nil {
		s.logger.Error().Err(err).Str("variant", record.Variant).Msg("failed to persist digest")
		return
	}
	if s.deps.Deliveries == nil {
		return
	}

	for _, d := range report.Deliveries {
		rec := storage.DeliveryRecord{
			DigestID:    saved.ID,
			Destination: d.Destination,
			Status:      storage.StatusSent,
		}
		if d.Err != nil {
			msg := d.Err.Error()
			rec.Status = storage.StatusFailed
			rec.Error = &msg
		}
		if _, err := s.deps.Deliveries.InsertDelivery(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("destination", d.Destination).Msg("failed to persist delivery")
		}
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		s.logger.Warn().Err(err).Msg("advisory lock unavailable; sending without coordination")
		return nil, true
	}
	if !acquired {
		return nil, false
	}
	return unlock, true
}
