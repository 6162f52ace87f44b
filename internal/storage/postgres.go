package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"shoprank/internal/config"
	"shoprank/pkg/types"
)

// PostgresStore implements Store on PostgreSQL via lib/pq.
type PostgresStore struct {
	db          *sql.DB
	autoMigrate bool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects using cfg, creating the database and schema on
// first use when auto-migration is enabled.
func NewPostgresStore(cfg config.SQLConfig) (*PostgresStore, error) {
	if !cfg.Enabled() {
		return nil, ErrNotConfigured
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if !cfg.AutoMigrate || !shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		_ = db.Close()
		if err := createDatabase(ctx, cfg); err != nil {
			return nil, err
		}
		db, err = sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	return NewPostgresStoreFromDB(ctx, db, cfg.AutoMigrate)
}

// NewPostgresStoreFromDB wraps an open handle.
func NewPostgresStoreFromDB(ctx context.Context, db *sql.DB, autoMigrate bool) (*PostgresStore, error) {
	s := &PostgresStore{db: db, autoMigrate: autoMigrate}
	if autoMigrate {
		if err := s.ensureSchema(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

const itemColumns = `id, account_id, keyword, external_product_id, kind, interval_minutes, active`

// ListActiveTrackedItems returns active items across all accounts.
func (s *PostgresStore) ListActiveTrackedItems(ctx context.Context) ([]types.TrackedItem, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM tracked_items WHERE active ORDER BY id`)
}

// ListTrackedItems returns every item, active or not.
func (s *PostgresStore) ListTrackedItems(ctx context.Context) ([]types.TrackedItem, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM tracked_items ORDER BY id`)
}

func (s *PostgresStore) queryItems(ctx context.Context, query string) ([]types.TrackedItem, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tracked items: %w", err)
	}
	defer rows.Close()

	var items []types.TrackedItem
	for rows.Next() {
		var (
			item types.TrackedItem
			kind string
		)
		if err := rows.Scan(&item.ID, &item.AccountID, &item.Keyword, &item.ExternalProductID,
			&kind, &item.IntervalMinutes, &item.Active); err != nil {
			return nil, fmt.Errorf("scan tracked item: %w", err)
		}
		item.Kind = types.Kind(kind)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked items: %w", err)
	}
	return items, nil
}

// SaveTrack appends one rank observation.
func (s *PostgresStore) SaveTrack(ctx context.Context, itemID int64, res types.RankResult) error {
	err := s.insertTrack(ctx, itemID, res)
	if err != nil && s.autoMigrate && isUndefinedTableErr(err) {
		if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
			return fmt.Errorf("ensure schema: %w", schemaErr)
		}
		err = s.insertTrack(ctx, itemID, res)
	}
	if err != nil {
		return fmt.Errorf("insert rank track: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertTrack(ctx context.Context, itemID int64, res types.RankResult) error {
	var (
		storeName, storeLink        sql.NullString
		price, rank, page, position sql.NullInt64
	)
	if p := res.Placement; p != nil {
		storeName = sql.NullString{String: p.StoreName, Valid: p.StoreName != ""}
		storeLink = sql.NullString{String: p.StoreLink, Valid: p.StoreLink != ""}
		price = sql.NullInt64{Int64: int64(p.Price), Valid: true}
		rank = sql.NullInt64{Int64: int64(p.GlobalRank), Valid: true}
		page = sql.NullInt64{Int64: int64(p.PageNumber), Valid: true}
		position = sql.NullInt64{Int64: int64(p.RankWithinPage), Valid: true}
	}
	notes := res.Notes
	if notes == nil {
		notes = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO rank_tracks (item_id, found, store_name, store_link, price, global_rank,
            page_number, rank_within_page, notes, strategy, checked_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		itemID, res.Found(), storeName, storeLink, price, rank, page, position,
		pq.Array(notes), res.Strategy, checkedAt(res),
	)
	return err
}

// ListTracks returns the observations of itemID in [start, end) oldest first.
func (s *PostgresStore) ListTracks(ctx context.Context, itemID int64, start, end time.Time) ([]types.Track, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, found, store_name, store_link, price, global_rank, page_number,
            rank_within_page, notes, strategy, checked_at
        FROM rank_tracks
        WHERE item_id = $1 AND checked_at >= $2 AND checked_at < $3
        ORDER BY checked_at`, itemID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list rank tracks: %w", err)
	}
	defer rows.Close()

	var tracks []types.Track
	for rows.Next() {
		var (
			t                           types.Track
			found                       bool
			storeName, storeLink        sql.NullString
			price, rank, page, position sql.NullInt64
			notes                       []string
			strategy                    sql.NullString
		)
		if err := rows.Scan(&t.ID, &found, &storeName, &storeLink, &price, &rank, &page, &position,
			pq.Array(&notes), &strategy, &t.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan rank track: %w", err)
		}
		t.ItemID = itemID
		t.Result = types.RankResult{Notes: notes, Strategy: strategy.String, CheckedAt: t.CheckedAt}
		if found && rank.Valid {
			t.Result.Placement = &types.Placement{
				StoreName:      storeName.String,
				StoreLink:      storeLink.String,
				Price:          int(price.Int64),
				GlobalRank:     int(rank.Int64),
				PageNumber:     int(page.Int64),
				RankWithinPage: int(position.Int64),
			}
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rank tracks: %w", err)
	}
	return tracks, nil
}

// ComputeStatistics aggregates the tracks of itemID in [start, end). It
// returns nil when there is no history in the window.
func (s *PostgresStore) ComputeStatistics(ctx context.Context, itemID int64, period types.PeriodKind, start, end time.Time) (*types.StatSummary, error) {
	var (
		checks, foundChecks int
		best, worst         sql.NullInt64
		avgRank, avgPrice   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
            COUNT(*) FILTER (WHERE found),
            MIN(global_rank) FILTER (WHERE found),
            MAX(global_rank) FILTER (WHERE found),
            AVG(global_rank) FILTER (WHERE found)::float8,
            AVG(price) FILTER (WHERE found AND price > 0)::float8
        FROM rank_tracks
        WHERE item_id = $1 AND checked_at >= $2 AND checked_at < $3`,
		itemID, start, end,
	).Scan(&checks, &foundChecks, &best, &worst, &avgRank, &avgPrice)
	if err != nil {
		return nil, fmt.Errorf("compute statistics: %w", err)
	}
	if checks == 0 {
		return nil, nil
	}
	sum := &types.StatSummary{
		ItemID:      itemID,
		Period:      period,
		Start:       start,
		End:         end,
		Checks:      checks,
		FoundChecks: foundChecks,
		FoundRate:   float64(foundChecks) / float64(checks),
	}
	if best.Valid {
		b, w := int(best.Int64), int(worst.Int64)
		sum.BestRank, sum.WorstRank = &b, &w
	}
	if avgRank.Valid {
		sum.AvgRank = &avgRank.Float64
	}
	if avgPrice.Valid {
		sum.AvgPrice = &avgPrice.Float64
	}
	return sum, nil
}

// SaveStatistic upserts sum keyed by item, period and window start.
func (s *PostgresStore) SaveStatistic(ctx context.Context, sum *types.StatSummary) error {
	if sum == nil {
		return nil
	}
	snapshot, err := json.Marshal(sum.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO rank_statistics (item_id, period, period_start, period_end, checks, found_checks,
            best_rank, worst_rank, avg_rank, found_rate, avg_price, snapshot, computed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
        ON CONFLICT (item_id, period, period_start) DO UPDATE SET
            period_end = EXCLUDED.period_end,
            checks = EXCLUDED.checks,
            found_checks = EXCLUDED.found_checks,
            best_rank = EXCLUDED.best_rank,
            worst_rank = EXCLUDED.worst_rank,
            avg_rank = EXCLUDED.avg_rank,
            found_rate = EXCLUDED.found_rate,
            avg_price = EXCLUDED.avg_price,
            snapshot = EXCLUDED.snapshot,
            computed_at = EXCLUDED.computed_at`,
		sum.ItemID, string(sum.Period), sum.Start, sum.End, sum.Checks, sum.FoundChecks,
		nullInt(sum.BestRank), nullInt(sum.WorstRank), nullFloat(sum.AvgRank), sum.FoundRate,
		nullFloat(sum.AvgPrice), snapshot,
	)
	if err != nil {
		return fmt.Errorf("save statistic: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes history and statistics that ended before cutoff.
func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (types.PurgeSummary, error) {
	summary := types.PurgeSummary{Cutoff: cutoff}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM rank_tracks WHERE checked_at < $1`, cutoff)
	if err != nil {
		return summary, fmt.Errorf("purge rank tracks: %w", err)
	}
	summary.TracksDeleted, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM rank_statistics WHERE period_end < $1`, cutoff)
	if err != nil {
		return summary, fmt.Errorf("purge statistics: %w", err)
	}
	summary.StatsDeleted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("commit purge: %w", err)
	}
	return summary, nil
}

// Close closes the underlying DB connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tracked_items (
	    id BIGSERIAL PRIMARY KEY,
	    account_id BIGINT NOT NULL,
	    keyword TEXT NOT NULL,
	    external_product_id TEXT NOT NULL,
	    kind TEXT NOT NULL DEFAULT 'organic',
	    interval_minutes INT NOT NULL DEFAULT 60,
	    active BOOLEAN NOT NULL DEFAULT TRUE,
	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS rank_tracks (
	    id BIGSERIAL PRIMARY KEY,
	    item_id BIGINT NOT NULL REFERENCES tracked_items(id) ON DELETE CASCADE,
	    found BOOLEAN NOT NULL,
	    store_name TEXT,
	    store_link TEXT,
	    price INT,
	    global_rank INT,
	    page_number INT,
	    rank_within_page INT,
	    notes TEXT[] NOT NULL DEFAULT '{}',
	    strategy TEXT,
	    checked_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rank_tracks_item_checked ON rank_tracks (item_id, checked_at DESC)`,
	`CREATE TABLE IF NOT EXISTS rank_statistics (
	    item_id BIGINT NOT NULL REFERENCES tracked_items(id) ON DELETE CASCADE,
	    period TEXT NOT NULL,
	    period_start TIMESTAMPTZ NOT NULL,
	    period_end TIMESTAMPTZ NOT NULL,
	    checks INT NOT NULL,
	    found_checks INT NOT NULL,
	    best_rank INT,
	    worst_rank INT,
	    avg_rank DOUBLE PRECISION,
	    found_rate DOUBLE PRECISION NOT NULL,
	    avg_price DOUBLE PRECISION,
	    snapshot JSONB NOT NULL DEFAULT '[]',
	    computed_at TIMESTAMPTZ NOT NULL,
	    PRIMARY KEY (item_id, period, period_start)
	)`,
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
