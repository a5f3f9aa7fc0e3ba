package warehouse

import (
	"database/sql"
	"fmt"
)

// Schema version tracking
const currentSchemaVersion = 1

// initializeSchema creates all tables for a new database
func (db *DB) initializeSchema() error {
	return db.WithTx(func(tx *sql.Tx) error {
		// Create schema_version table first
		if err := createSchemaVersionTable(tx); err != nil {
			return err
		}

		// Create all warehouse tables
		if err := createDimensionRecordsTable(tx); err != nil {
			return err
		}
		if err := createFactRecordsTable(tx); err != nil {
			return err
		}
		if err := createFactKeysTable(tx); err != nil {
			return err
		}
		if err := createBatchLedgerTable(tx); err != nil {
			return err
		}
		if err := createBatchRunsTable(tx); err != nil {
			return err
		}
		if err := createRejectedRowsTable(tx); err != nil {
			return err
		}

		// Set initial schema version
		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Warehouse schema initialized", map[string]interface{}{
			"version": currentSchemaVersion,
		})

		return nil
	})
}

// runMigrations runs any pending schema migrations
func (db *DB) runMigrations() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		db.logger.Debug("Warehouse schema is up to date", map[string]interface{}{
			"version": version,
		})
		return nil
	}

	if version == 0 {
		// Empty or pre-versioning database: create everything.
		return db.initializeSchema()
	}

	db.logger.Info("Running warehouse migrations", map[string]interface{}{
		"from_version": version,
		"to_version":   currentSchemaVersion,
	})

	// Run migrations sequentially
	// Add migration functions here as schema evolves

	return nil
}

// getSchemaVersion gets the current schema version
func (db *DB) getSchemaVersion() (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		// Table doesn't exist, this is a new database
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setSchemaVersion sets the schema version
func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("DELETE FROM schema_version")
	if err != nil {
		return err
	}
	_, err = tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createSchemaVersionTable creates the schema_version tracking table
func createSchemaVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	return err
}

// createDimensionRecordsTable creates the dimension_records table.
// One row per version; timestamps are Unix milliseconds and an
// effective_to of 0 means the version is still open.
func createDimensionRecordsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS dimension_records (
			surrogate_key TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			natural_key TEXT NOT NULL,
			attributes_json TEXT NOT NULL,
			effective_from INTEGER NOT NULL,
			effective_to INTEGER NOT NULL DEFAULT 0,
			is_current INTEGER NOT NULL CHECK(is_current IN (0, 1)),
			version INTEGER NOT NULL CHECK(version >= 1),

			UNIQUE(entity, natural_key, version)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create dimension_records table: %w", err)
	}

	// Create indexes for common queries
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_dimension_records_current ON dimension_records(entity, is_current)",
		"CREATE INDEX IF NOT EXISTS idx_dimension_records_natural_key ON dimension_records(entity, natural_key)",
	}

	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createFactRecordsTable creates the append-only fact_records table
func createFactRecordsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS fact_records (
			fact_id TEXT PRIMARY KEY,
			fact TEXT NOT NULL,
			measures_json TEXT NOT NULL,
			event_timestamp INTEGER NOT NULL,
			batch_id TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create fact_records table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_fact_records_fact ON fact_records(fact, event_timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_fact_records_batch ON fact_records(batch_id)",
	}

	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createFactKeysTable creates the fact_keys join table linking each fact
// record to the dimension versions it references
func createFactKeysTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS fact_keys (
			fact_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			surrogate_key TEXT NOT NULL,

			PRIMARY KEY (fact_id, entity),
			FOREIGN KEY (fact_id) REFERENCES fact_records(fact_id) ON DELETE CASCADE,
			FOREIGN KEY (surrogate_key) REFERENCES dimension_records(surrogate_key)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create fact_keys table: %w", err)
	}

	if _, err := tx.Exec(
		"CREATE INDEX IF NOT EXISTS idx_fact_keys_surrogate ON fact_keys(surrogate_key)",
	); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// createBatchLedgerTable creates the batch_ledger table holding one resume
// point per source. The ledger row is written in the same transaction as the
// batch's records, which is what makes re-running a batch idempotent.
func createBatchLedgerTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS batch_ledger (
			source_name TEXT PRIMARY KEY,
			watermark INTEGER NOT NULL,
			batch_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create batch_ledger table: %w", err)
	}
	return nil
}

// createBatchRunsTable creates the batch_runs audit table
func createBatchRunsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS batch_runs (
			batch_id TEXT NOT NULL,
			source_name TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('success', 'partial', 'failed')),
			extracted INTEGER NOT NULL DEFAULT 0,
			loaded INTEGER NOT NULL DEFAULT 0,
			rejected INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,

			PRIMARY KEY (batch_id, source_name)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create batch_runs table: %w", err)
	}

	if _, err := tx.Exec(
		"CREATE INDEX IF NOT EXISTS idx_batch_runs_source ON batch_runs(source_name, started_at)",
	); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// createRejectedRowsTable creates the rejected_rows sink
func createRejectedRowsTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS rejected_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_name TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			detail TEXT NOT NULL,
			row_json TEXT NOT NULL,
			rejected_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create rejected_rows table: %w", err)
	}

	if _, err := tx.Exec(
		"CREATE INDEX IF NOT EXISTS idx_rejected_rows_source ON rejected_rows(source_name, rejected_at)",
	); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}
