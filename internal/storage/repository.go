package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS digests (
        id              BIGSERIAL PRIMARY KEY,
        variant         TEXT        NOT NULL,
        scheduled_for   TIMESTAMPTZ NOT NULL,
        body            TEXT        NOT NULL,
        price_source    TEXT        NOT NULL,
        sentiment_value INTEGER,
        sentiment_label TEXT,
        quote_digest    TEXT,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS price_points (
        digest_id      BIGINT      NOT NULL REFERENCES digests(id) ON DELETE CASCADE,
        symbol         TEXT        NOT NULL,
        price          NUMERIC     NOT NULL,
        change_pct_24h NUMERIC     NOT NULL,
        fetched_at     TIMESTAMPTZ,
        PRIMARY KEY (digest_id, symbol)
    );
    CREATE TABLE IF NOT EXISTS deliveries (
        id          BIGSERIAL PRIMARY KEY,
        digest_id   BIGINT      NOT NULL REFERENCES digests(id) ON DELETE CASCADE,
        destination TEXT        NOT NULL,
        status      TEXT        NOT NULL,
        error       TEXT,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS deliveries_created_at_idx ON deliveries (created_at);`

	insertDigestSQL = `INSERT INTO digests (
        variant,
        scheduled_for,
        body,
        price_source,
        sentiment_value,
        sentiment_label,
        quote_digest
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	insertPricePointSQL = `INSERT INTO price_points (
        digest_id,
        symbol,
        price,
        change_pct_24h,
        fetched_at
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	listPricePointsBetweenSQL = `SELECT
        p.digest_id,
        p.symbol,
        p.price,
        p.change_pct_24h,
        COALESCE(p.fetched_at, d.scheduled_for)
    FROM price_points p
    JOIN digests d ON d.id = p.digest_id
    WHERE d.scheduled_for >= $1
      AND d.scheduled_for < $2
      AND d.price_source <> 'placeholder'
    ORDER BY d.scheduled_for, p.symbol;`

	insertDeliverySQL = `INSERT INTO deliveries (
        digest_id,
        destination,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, created_at;`

	listRecentDeliveriesSQL = `SELECT
        l.id,
        l.digest_id,
        d.variant,
        l.destination,
        l.status,
        l.error,
        l.created_at
    FROM deliveries l
    JOIN digests d ON d.id = l.digest_id
    ORDER BY l.created_at DESC, l.id DESC
    LIMIT $1;`

	deleteDeliveriesBeforeSQL = `DELETE FROM deliveries WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DigestStore records composed digests and their price lines.
type DigestStore interface {
	InsertDigest(ctx context.Context, digest DigestRecord, points []PricePoint) (DigestRecord, error)
	ListPricePointsBetween(ctx context.Context, from, to time.Time) ([]PricePoint, error)
}

// DeliveryStore defines operations for delivery auditing.
type DeliveryStore interface {
	InsertDelivery(ctx context.Context, delivery DeliveryRecord) (DeliveryRecord, error)
	ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	DeleteDeliveriesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to digests and deliveries.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the audit tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 解锁失败时连接释放后锁随会话结束
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertDigest stores a digest and its price lines in one transaction.
func (s *Store) InsertDigest(ctx context.Context, digest DigestRecord, points []PricePoint) (DigestRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return DigestRecord{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return DigestRecord{}, fmt.Errorf("begin digest tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var sentimentValue interface{}
	if digest.SentimentValue != nil {
		sentimentValue = *digest.SentimentValue
	}
	var sentimentLabel interface{}
	if digest.SentimentLabel != nil {
		sentimentLabel = *digest.SentimentLabel
	}
	var quoteDigest interface{}
	if digest.QuoteDigest != nil {
		quoteDigest = *digest.QuoteDigest
	}

	rec := digest
	if err := tx.QueryRow(ctx, insertDigestSQL,
		digest.Variant,
		digest.ScheduledFor,
		digest.Body,
		digest.PriceSource,
		sentimentValue,
		sentimentLabel,
		quoteDigest,
	).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return DigestRecord{}, fmt.Errorf("insert digest: %w", err)
	}

	for _, p := range points {
		var fetchedAt interface{}
		if !p.FetchedAt.IsZero() {
			fetchedAt = p.FetchedAt
		}
		if _, err := tx.Exec(ctx, insertPricePointSQL,
			rec.ID,
			p.Symbol,
			p.Price.String(),
			p.ChangePct24h.String(),
			fetchedAt,
		); err != nil {
			return DigestRecord{}, fmt.Errorf("insert price point %s: %w", p.Symbol, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return DigestRecord{}, fmt.Errorf("commit digest: %w", err)
	}
	return rec, nil
}

// ListPricePointsBetween lists recorded prices of digests scheduled within a
// window, skipping placeholder snapshots.
func (s *Store) ListPricePointsBetween(ctx context.Context, from, to time.Time) ([]PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPricePointsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price points: %w", queryErr)
	}
	defer rows.Close()

	points := make([]PricePoint, 0)
	for rows.Next() {
		point, scanErr := scanPricePoint(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		points = append(points, point)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

// InsertDelivery persists one delivery outcome.
func (s *Store) InsertDelivery(ctx context.Context, delivery DeliveryRecord) (DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return DeliveryRecord{}, err
	}

	var errMsg interface{}
	if delivery.Error != nil {
		errMsg = *delivery.Error
	}

	rec := delivery
	if scanErr := pool.QueryRow(ctx, insertDeliverySQL,
		delivery.DigestID,
		delivery.Destination,
		delivery.Status,
		errMsg,
	).Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return DeliveryRecord{}, fmt.Errorf("insert delivery: %w", scanErr)
	}
	return rec, nil
}

// ListRecentDeliveries lists the most recent deliveries, newest first.
func (s *Store) ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDeliveriesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", queryErr)
	}
	defer rows.Close()

	deliveries := make([]DeliveryRecord, 0, limit)
	for rows.Next() {
		var (
			rec    DeliveryRecord
			errMsg sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.DigestID,
			&rec.Variant,
			&rec.Destination,
			&rec.Status,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		deliveries = append(deliveries, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return deliveries, nil
}

// DeleteDeliveriesBefore deletes historical deliveries and reports how many
// rows were removed.
func (s *Store) DeleteDeliveriesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteDeliveriesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete deliveries before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanPricePoint(rows pgx.Rows) (PricePoint, error) {
	var (
		digestID  int64
		symbol    string
		priceStr  string
		changeStr string
		fetchedAt time.Time
	)
	if err := rows.Scan(&digestID, &symbol, &priceStr, &changeStr, &fetchedAt); err != nil {
		return PricePoint{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PricePoint{}, fmt.Errorf("parse price: %w", err)
	}
	change, err := decimal.NewFromString(changeStr)
	if err != nil {
		return PricePoint{}, fmt.Errorf("parse change pct: %w", err)
	}

	return PricePoint{
		DigestID:     digestID,
		Symbol:       symbol,
		Price:        price,
		ChangePct24h: change,
		FetchedAt:    fetchedAt,
	}, nil
}

var (
	_ DigestStore    = (*Store)(nil)
	_ DeliveryStore  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
