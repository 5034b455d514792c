package stock

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"golang-stock-gateway/internal/logger"
	"golang-stock-gateway/internal/market"
)

// Database is the local instrument master: a SQLite file mapping instrument
// codes to names and market segments, refreshed by the collector and served
// from memory for lookups on the hot path.
type Database struct {
	db *sql.DB

	mu      sync.RWMutex
	names   map[string]string
	markets map[string]market.Segment

	log *logger.Entry
}

// NewDatabase opens (or creates) the instrument master at the given path
// and loads it into memory.
func NewDatabase(dbPath string, log *logger.Log) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open instrument database: %w", err)
	}

	d := &Database{
		db:      db,
		names:   make(map[string]string),
		markets: make(map[string]market.Segment),
		log:     log.WithComponent("stockdb"),
	}

	if err := d.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.loadAll(); err != nil {
		db.Close()
		return nil, err
	}

	d.log.WithFields(logger.Fields{"instruments": len(d.names), "path": dbPath}).Info("✅ Instrument database loaded")
	return d, nil
}

func (d *Database) ensureSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS instruments (
			stock_code TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			market     TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`

	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create instruments table: %w", err)
	}
	return nil
}

func (d *Database) loadAll() error {
	rows, err := d.db.Query(`SELECT stock_code, name, market FROM instruments`)
	if err != nil {
		return fmt.Errorf("failed to load instruments: %w", err)
	}
	defer rows.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	for rows.Next() {
		var code, name, segment string
		if err := rows.Scan(&code, &name, &segment); err != nil {
			return fmt.Errorf("failed to scan instrument row: %w", err)
		}
		d.names[code] = name
		d.markets[code] = market.Segment(segment)
	}
	return rows.Err()
}

// UpsertInstruments records name and market for a batch of snapshots,
// updating both the file and the in-memory maps.
func (d *Database) UpsertInstruments(snapshots []market.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO instruments (stock_code, name, market, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (stock_code) DO UPDATE SET
			name = excluded.name,
			market = excluded.market,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("failed to prepare instrument upsert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		if snap.Name == "" {
			continue
		}
		if _, err := stmt.Exec(snap.StockCode, snap.Name, string(snap.Market)); err != nil {
			return fmt.Errorf("failed to upsert instrument %s: %w", snap.StockCode, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit instrument batch: %w", err)
	}

	d.mu.Lock()
	for _, snap := range snapshots {
		if snap.Name == "" {
			continue
		}
		d.names[snap.StockCode] = snap.Name
		d.markets[snap.StockCode] = snap.Market
	}
	d.mu.Unlock()

	return nil
}

// GetName returns the instrument name for a code, or empty when unknown.
func (d *Database) GetName(stockCode string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.names[stockCode]
}

// GetMarket returns the market segment for a code.
func (d *Database) GetMarket(stockCode string) (market.Segment, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seg, ok := d.markets[stockCode]
	return seg, ok
}

// Count returns the number of known instruments.
func (d *Database) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.names)
}

// Close closes the underlying database.
func (d *Database) Close() error {
	return d.db.Close()
}
