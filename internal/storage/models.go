package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Delivery statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// DigestRecord is one composed digest.
type DigestRecord struct {
	ID             int64
	Variant        string
	ScheduledFor   time.Time
	Body           string
	PriceSource    string
	SentimentValue *int
	SentimentLabel *string
	QuoteDigest    *string
	CreatedAt      time.Time
}

// PricePoint is one asset line recorded with a digest.
type PricePoint struct {
	DigestID     int64
	Symbol       string
	Price        decimal.Decimal
	ChangePct24h decimal.Decimal
	FetchedAt    time.Time
}

// DeliveryRecord is the outcome of sending a digest to one destination.
type DeliveryRecord struct {
	ID          int64
	DigestID    int64
	Variant     string
	Destination string
	Status      string
	Error       *string
	CreatedAt   time.Time
}
