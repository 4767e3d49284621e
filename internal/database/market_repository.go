package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/polycorr/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrMarketNotFound is returned when a market id is not stored.
var ErrMarketNotFound = errors.New("market not found")

// DatabasePool defines the interface for database pool operations.
// Both *pgxpool.Pool and pgxmock pools satisfy it.
type DatabasePool interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'Other',
		volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		probability DOUBLE PRECISION NOT NULL DEFAULT 0,
		clob_token_id TEXT NOT NULL DEFAULT '',
		start_date TIMESTAMPTZ,
		end_date TIMESTAMPTZ,
		closed BOOLEAN NOT NULL DEFAULT false,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		market_id TEXT NOT NULL REFERENCES markets(id) ON DELETE CASCADE,
		ts BIGINT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (market_id, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS correlations (
		market_a TEXT NOT NULL,
		market_b TEXT NOT NULL,
		correlation DOUBLE PRECISION NOT NULL,
		is_inverse BOOLEAN NOT NULL,
		inefficiency TEXT NOT NULL,
		PRIMARY KEY (market_a, market_b)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_correlations_market_b ON correlations (market_b)`,
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

const marketColumns = `id, name, slug, category, volume, probability, clob_token_id,
	COALESCE(EXTRACT(EPOCH FROM start_date)::bigint, 0),
	COALESCE(EXTRACT(EPOCH FROM end_date)::bigint, 0),
	closed, updated_at`

// MarketRepository persists markets, their price histories, the published
// correlation links and refresh metadata.
type MarketRepository struct {
	pool DatabasePool
}

// NewMarketRepository creates a new market repository.
func NewMarketRepository(pool DatabasePool) *MarketRepository {
	return &MarketRepository{pool: pool}
}

// EnsureSchema creates the tables used by the repository when missing.
func (r *MarketRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// UpsertMarkets inserts or updates market rows in a single transaction.
func (r *MarketRepository) UpsertMarkets(ctx context.Context, markets []models.Market) error {
	if len(markets) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO markets (id, name, slug, category, volume, probability, clob_token_id, start_date, end_date, closed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			slug = EXCLUDED.slug,
			category = EXCLUDED.category,
			volume = EXCLUDED.volume,
			probability = EXCLUDED.probability,
			clob_token_id = EXCLUDED.clob_token_id,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			closed = EXCLUDED.closed,
			updated_at = NOW()`

	for _, m := range markets {
		if _, err := tx.Exec(ctx, query, m.ID, m.Name, m.Slug, m.Category, m.Volume, m.Probability,
			m.ClobTokenID, m.StartDate, m.EndDate, m.Closed); err != nil {
			return fmt.Errorf("failed to upsert market %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit markets: %w", err)
	}
	return nil
}

// SavePriceHistory stores the samples for a market, overwriting prices at
// timestamps already present.
func (r *MarketRepository) SavePriceHistory(ctx context.Context, marketID string, history models.PriceHistory) error {
	if len(history) == 0 {
		return nil
	}
	timestamps := make([]int64, len(history))
	prices := make([]float64, len(history))
	for i, p := range history {
		timestamps[i] = p.Timestamp
		prices[i] = p.Price
	}

	query := `
		INSERT INTO price_history (market_id, ts, price)
		SELECT $1, t, p FROM unnest($2::bigint[], $3::float8[]) AS u(t, p)
		ON CONFLICT (market_id, ts) DO UPDATE SET price = EXCLUDED.price`

	if _, err := r.pool.Exec(ctx, query, marketID, timestamps, prices); err != nil {
		return fmt.Errorf("failed to save price history for %s: %w", marketID, err)
	}
	return nil
}

// GetActiveMarkets returns open markets with at least minVolume, highest volume first.
func (r *MarketRepository) GetActiveMarkets(ctx context.Context, minVolume float64) ([]models.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets
		WHERE closed = false AND volume >= $1
		ORDER BY volume DESC, id`

	rows, err := r.pool.Query(ctx, query, minVolume)
	if err != nil {
		return nil, fmt.Errorf("failed to query markets: %w", err)
	}
	defer rows.Close()

	var markets []models.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating markets: %w", err)
	}
	return markets, nil
}

// GetMarket returns a single market without its history.
func (r *MarketRepository) GetMarket(ctx context.Context, id string) (*models.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`

	m, err := scanMarket(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMarketNotFound
		}
		return nil, err
	}
	return &m, nil
}

// GetPriceHistory returns the ascending history of one market.
func (r *MarketRepository) GetPriceHistory(ctx context.Context, marketID string) (models.PriceHistory, error) {
	query := `SELECT ts, price FROM price_history WHERE market_id = $1 ORDER BY ts`

	rows, err := r.pool.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	history := models.PriceHistory{}
	for rows.Next() {
		var p models.PricePoint
		if err := rows.Scan(&p.Timestamp, &p.Price); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		history = append(history, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price history: %w", err)
	}
	return history, nil
}

// GetPriceHistories loads the histories of several markets in one query.
func (r *MarketRepository) GetPriceHistories(ctx context.Context, marketIDs []string) (map[string]models.PriceHistory, error) {
	result := make(map[string]models.PriceHistory, len(marketIDs))
	if len(marketIDs) == 0 {
		return result, nil
	}
	query := `SELECT market_id, ts, price FROM price_history WHERE market_id = ANY($1) ORDER BY market_id, ts`

	rows, err := r.pool.Query(ctx, query, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query price histories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var p models.PricePoint
		if err := rows.Scan(&id, &p.Timestamp, &p.Price); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		result[id] = append(result[id], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price histories: %w", err)
	}
	return result, nil
}

// PublishGraph swaps the published link set atomically. Open markets not in
// activeIDs are marked closed in the same transaction, so they drop out of
// GetActiveMarkets. It reports how many markets were closed.
func (r *MarketRepository) PublishGraph(ctx context.Context, activeIDs []string, links []models.CorrelationLink) (int64, error) {
	if activeIDs == nil {
		activeIDs = []string{}
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE markets SET closed = true, updated_at = NOW()
		WHERE closed = false AND NOT (id = ANY($1))`, activeIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale markets: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM correlations`); err != nil {
		return 0, fmt.Errorf("failed to clear correlations: %w", err)
	}

	query := `
		INSERT INTO correlations (market_a, market_b, correlation, is_inverse, inefficiency)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (market_a, market_b) DO UPDATE SET
			correlation = EXCLUDED.correlation,
			is_inverse = EXCLUDED.is_inverse,
			inefficiency = EXCLUDED.inefficiency`

	for _, l := range links {
		if _, err := tx.Exec(ctx, query, l.SourceID, l.TargetID, l.Correlation, l.IsInverse, string(l.Inefficiency)); err != nil {
			return 0, fmt.Errorf("failed to insert correlation %s: %w", l.PairKey(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit correlations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetCorrelations returns every published link, strongest first.
func (r *MarketRepository) GetCorrelations(ctx context.Context) ([]models.CorrelationLink, error) {
	query := `SELECT market_a, market_b, correlation, is_inverse, inefficiency
		FROM correlations ORDER BY ABS(correlation) DESC, market_a, market_b`
	return r.queryLinks(ctx, query)
}

// GetCorrelationsFor returns the published links touching marketID.
func (r *MarketRepository) GetCorrelationsFor(ctx context.Context, marketID string) ([]models.CorrelationLink, error) {
	query := `SELECT market_a, market_b, correlation, is_inverse, inefficiency
		FROM correlations WHERE market_a = $1 OR market_b = $1
		ORDER BY ABS(correlation) DESC, market_a, market_b`
	return r.queryLinks(ctx, query, marketID)
}

func (r *MarketRepository) queryLinks(ctx context.Context, query string, args ...interface{}) ([]models.CorrelationLink, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	links := []models.CorrelationLink{}
	for rows.Next() {
		var l models.CorrelationLink
		var inefficiency string
		if err := rows.Scan(&l.SourceID, &l.TargetID, &l.Correlation, &l.IsInverse, &inefficiency); err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		l.Inefficiency = models.Inefficiency(inefficiency)
		l.Retained = true
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlations: %w", err)
	}
	return links, nil
}

// SetMetadata stores a key/value pair.
func (r *MarketRepository) SetMetadata(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO metadata (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns the value for key, or found=false when unset.
func (r *MarketRepository) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get metadata %s: %w", key, err)
	}
	return value, true, nil
}

// CleanupOldHistory deletes samples older than before and reports how many rows went.
func (r *MarketRepository) CleanupOldHistory(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM price_history WHERE ts < $1`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup price history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMarket(row pgx.Row) (models.Market, error) {
	var m models.Market
	var start, end int64
	err := row.Scan(&m.ID, &m.Name, &m.Slug, &m.Category, &m.Volume, &m.Probability,
		&m.ClobTokenID, &start, &end, &m.Closed, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan market: %w", err)
	}
	m.StartDate = unixToTime(start)
	m.EndDate = unixToTime(end)
	return m, nil
}

func unixToTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
