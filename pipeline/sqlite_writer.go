package pipeline

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/njdatalab/go-scrape-redfin/models"
)

// SQLiteWriter stores listings in a SQLite database file. Duplicate URLs
// across runs are ignored rather than inserted twice.
type SQLiteWriter struct {
	db *sql.DB
	mu sync.Mutex
}

const createListingsTable = `
CREATE TABLE IF NOT EXISTS listings (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	price         REAL NOT NULL,
	address       TEXT NOT NULL,
	location      TEXT,
	property_type TEXT,
	sale_status   TEXT NOT NULL,
	beds          TEXT,
	baths         TEXT,
	url           TEXT UNIQUE,
	mls           TEXT,
	scraped_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_listings_price    ON listings (price);
CREATE INDEX IF NOT EXISTS idx_listings_location ON listings (location);
`

// NewSQLiteWriter opens (or creates) the database file and prepares the
// schema.
func NewSQLiteWriter(filename string) (*SQLiteWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filename+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite supports a single writer; keep the pool at one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(createListingsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create listings table: %w", err)
	}

	return &SQLiteWriter{db: db}, nil
}

// Write inserts listings in a single transaction.
func (sw *SQLiteWriter) Write(listings []*models.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	tx, err := sw.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO listings
		(price, address, location, property_type, sale_status, beds, baths, url, mls, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range listings {
		if _, err := stmt.Exec(
			l.Price, l.Address, l.Location, l.PropertyType, l.SaleStatus,
			l.Beds, l.Baths, l.URL, l.MLS, l.ScrapedAt.Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert listing %s: %w", l.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit listings: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (sw *SQLiteWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.db.Close()
}

// Validate ensures at least one listing was stored.
func (sw *SQLiteWriter) Validate() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	var count int
	if err := sw.db.QueryRow("SELECT COUNT(*) FROM listings").Scan(&count); err != nil {
		return fmt.Errorf("count listings: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("sqlite database has no listings")
	}
	return nil
}
