package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-digest/internal/session"
)

// Sender delivers text to one conversation.
type Sender interface {
	SendText(ctx context.Context, destination, text string) error
}

// Delivery is the outcome for a single destination.
type Delivery struct {
	Destination string
	SentAt      time.Time
	Err         error
}

// Report collects the outcome of one dispatch.
type Report struct {
	Deliveries []Delivery
}

// Sent counts successful deliveries.
func (r Report) Sent() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Err == nil {
			n++
		}
	}
	return n
}

// Err joins every per-destination failure, nil when all succeeded.
func (r Report) Err() error {
	var errs []error
	for _, d := range r.Deliveries {
		if d.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Destination, d.Err))
		}
	}
	return errors.Join(errs...)
}

// Dispatcher sends a message to every configured destination once. A failure
// for one destination never prevents the others.
type Dispatcher struct {
	sender       Sender
	destinations []string
	timeout      time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// NewDispatcher constructs a dispatcher. Blank destinations are dropped.
func NewDispatcher(sender Sender, destinations []string, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dests := make([]string, 0, len(destinations))
	for _, d := range destinations {
		if d = strings.TrimSpace(d); d != "" {
			dests = append(dests, d)
		}
	}
	return &Dispatcher{
		sender:       sender,
		destinations: dests,
		timeout:      timeout,
		now:          time.Now,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Destinations returns a copy of the destination list.
func (d *Dispatcher) Destinations() []string {
	return append([]string(nil), d.destinations...)
}

// Dispatch attempts delivery to each destination in order.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) Report {
	report := Report{Deliveries: make([]Delivery, 0, len(d.destinations))}
	for _, dest := range d.destinations {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.sender.SendText(sendCtx, dest, text)
		cancel()

		delivery := Delivery{Destination: dest, SentAt: d.now().UTC(), Err: err}
		report.Deliveries = append(report.Deliveries, delivery)

		switch {
		case err == nil:
			d.logger.Info().Str("destination", dest).Msg("digest delivered")
		case errors.Is(err, session.ErrNotConnected):
			d.logger.Warn().Err(err).Str("destination", dest).Msg("session down; delivery skipped")
		default:
			d.logger.Error().Err(err).Str("destination", dest).Msg("delivery failed")
		}
	}
	return report
}
