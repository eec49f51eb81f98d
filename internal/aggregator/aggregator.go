package aggregator

// Source describes where a result came from.
type Source string

const (
	// SourceFresh means the value was fetched upstream during this call.
	SourceFresh Source = "fresh"
	// SourceCache means the value was served from the cache within its TTL.
	SourceCache Source = "cache"
	// SourceStale means the refresh failed and an expired value was reused.
	SourceStale Source = "stale"
	// SourcePlaceholder means the refresh failed with nothing cached.
	SourcePlaceholder Source = "placeholder"
	// SourceAbsent means no sentiment is known.
	SourceAbsent Source = "absent"
)

const (
	pricesKey    = "prices"
	sentimentKey = "sentiment"
)
