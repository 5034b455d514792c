package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

// PostgresStore persists collected snapshots into a relational table so
// downstream services can query company data without touching the gateway.
type PostgresStore struct {
	db  *sql.DB
	log *logger.Entry
}

// NewPostgresStore connects to PostgreSQL and prepares the schema.
func NewPostgresStore(postgresURL string, log *logger.Log) (*PostgresStore, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store := &PostgresStore{
		db:  db,
		log: log.WithComponent("postgres"),
	}

	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store.log.Info("✅ Connected to PostgreSQL")
	return store, nil
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS stocks (
			stock_code     VARCHAR(16) PRIMARY KEY,
			name           TEXT NOT NULL,
			market         VARCHAR(16) NOT NULL,
			current_price  BIGINT NOT NULL DEFAULT 0,
			opening_price  BIGINT NOT NULL DEFAULT 0,
			high_price     BIGINT NOT NULL DEFAULT 0,
			low_price      BIGINT NOT NULL DEFAULT 0,
			previous_close BIGINT NOT NULL DEFAULT 0,
			change         BIGINT NOT NULL DEFAULT 0,
			direction      VARCHAR(8) NOT NULL DEFAULT 'flat',
			change_rate    DOUBLE PRECISION NOT NULL DEFAULT 0,
			volume         BIGINT NOT NULL DEFAULT 0,
			market_cap     BIGINT NOT NULL DEFAULT 0,
			per            DOUBLE PRECISION NOT NULL DEFAULT 0,
			collected_at   TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create stocks table: %w", err)
	}
	return nil
}

// UpsertSnapshots writes a batch of snapshots in one transaction.
func (p *PostgresStore) UpsertSnapshots(ctx context.Context, snapshots []market.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stocks (
			stock_code, name, market, current_price, opening_price,
			high_price, low_price, previous_close, change, direction,
			change_rate, volume, market_cap, per, collected_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW())
		ON CONFLICT (stock_code) DO UPDATE SET
			name = EXCLUDED.name,
			market = EXCLUDED.market,
			current_price = EXCLUDED.current_price,
			opening_price = EXCLUDED.opening_price,
			high_price = EXCLUDED.high_price,
			low_price = EXCLUDED.low_price,
			previous_close = EXCLUDED.previous_close,
			change = EXCLUDED.change,
			direction = EXCLUDED.direction,
			change_rate = EXCLUDED.change_rate,
			volume = EXCLUDED.volume,
			market_cap = EXCLUDED.market_cap,
			per = EXCLUDED.per,
			collected_at = EXCLUDED.collected_at,
			updated_at = NOW()`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		if _, err := stmt.ExecContext(ctx,
			snap.StockCode, snap.Name, string(snap.Market), snap.CurrentPrice,
			snap.OpeningPrice, snap.HighPrice, snap.LowPrice, snap.PreviousClose,
			snap.Change, string(snap.Direction), snap.ChangeRate, snap.Volume,
			snap.MarketCap, snap.PER, snap.CollectedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", snap.StockCode, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert batch: %w", err)
	}

	p.log.WithFields(logger.Fields{"snapshots": len(snapshots)}).Info("💾 Snapshot batch stored in PostgreSQL")
	return nil
}

// HealthCheck pings PostgreSQL.
func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
