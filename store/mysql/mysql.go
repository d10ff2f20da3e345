// Package mysql provides the MySQL backend.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/warp/pharma-ledger/store/sqlstore"
)

// errDuplicateEntry is ER_DUP_ENTRY.
const errDuplicateEntry = 1062

// New opens (and migrates) a MySQL database.
//
// dsn uses the go-sql-driver format, e.g. "user:pass@tcp(localhost:3306)/pharma".
// clientFoundRows is forced on so that UPDATEs which leave a row unchanged
// still count it as matched.
func New(dsn string) (*sqlstore.Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true
	cfg.ParseTime = false

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := sqlstore.New(ctx, db, Dialect{})
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Dialect is the MySQL flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

// Schema uses inline indexes because MySQL has no CREATE INDEX IF NOT EXISTS.
// Key columns are VARCHAR(191) to stay within the utf8mb4 index limit.
func (Dialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			partition_key VARCHAR(191) NOT NULL,
			item_ref VARCHAR(191) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			quantity BIGINT NOT NULL,
			source_location VARCHAR(255) NOT NULL DEFAULT '',
			dest_location VARCHAR(255) NOT NULL DEFAULT '',
			actor_ref VARCHAR(255) NOT NULL DEFAULT '',
			previous_hash VARCHAR(64) NOT NULL,
			current_hash CHAR(64) NOT NULL,
			recorded_at CHAR(24) NOT NULL,
			notes TEXT NOT NULL,
			UNIQUE KEY idx_ledger_no_fork (partition_key, previous_hash),
			KEY idx_ledger_partition (partition_key, id),
			KEY idx_ledger_item (item_ref, id),
			CONSTRAINT chk_ledger_kind CHECK (kind IN ('in', 'out', 'transfer')),
			CONSTRAINT chk_ledger_quantity CHECK (quantity > 0)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,

		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
			BEFORE UPDATE ON ledger_entries FOR EACH ROW
			SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'ledger_entries is append-only'`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
			BEFORE DELETE ON ledger_entries FOR EACH ROW
			SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'ledger_entries is append-only'`,

		`CREATE TABLE IF NOT EXISTS drugs (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			generic_name VARCHAR(255) NOT NULL DEFAULT '',
			batch_number VARCHAR(191) NOT NULL,
			manufacturer VARCHAR(255) NOT NULL DEFAULT '',
			supplier VARCHAR(255) NOT NULL DEFAULT '',
			quantity BIGINT NOT NULL DEFAULT 0,
			min_stock_level BIGINT NOT NULL DEFAULT 0,
			max_stock_level BIGINT NOT NULL DEFAULT 0,
			unit_price DECIMAL(12,2) NOT NULL DEFAULT 0,
			expiry_date CHAR(10) NOT NULL,
			storage_conditions VARCHAR(255) NOT NULL DEFAULT '',
			stale TINYINT(1) NOT NULL DEFAULT 0,
			created_at VARCHAR(40) NOT NULL,
			updated_at VARCHAR(40) NOT NULL,
			UNIQUE KEY idx_drugs_batch (batch_number),
			KEY idx_drugs_stale (stale)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

		`CREATE TABLE IF NOT EXISTS inventory_locations (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			type VARCHAR(64) NOT NULL,
			temperature_condition VARCHAR(64) NOT NULL DEFAULT '',
			capacity BIGINT NOT NULL DEFAULT 0
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
}

func (Dialect) UpsertLocation() string {
	return `
		INSERT INTO inventory_locations (id, name, type, temperature_condition, capacity)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			type = VALUES(type),
			temperature_condition = VALUES(temperature_condition),
			capacity = VALUES(capacity)`
}

func (Dialect) IsUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDuplicateEntry
}
