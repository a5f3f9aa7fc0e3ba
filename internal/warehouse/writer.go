package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"dimetl/internal/config"
	"dimetl/internal/errors"
	"dimetl/internal/logging"
	"dimetl/internal/model"
)

// BatchCommit is everything one source's batch writes to the warehouse. The
// writer applies it in a single transaction: dimension mutations, fact
// records, rejects, the ledger watermark and the audit row all commit
// together or not at all.
type BatchCommit struct {
	BatchID   string
	Source    string
	Mutations *model.MutationSet // nil for fact sources
	Facts     []model.FactRecord
	Rejects   []model.RejectedRow
	Watermark *time.Time // nil leaves the resume point unchanged
	Run       RunRecord
}

// Writer serializes batch commits into the warehouse and retries transient
// failures. SQLite allows a single writer, so commits take a process-wide
// mutex; readers are unaffected under WAL.
type Writer struct {
	db     *DB
	logger *logging.Logger
	retry  config.RetryConfig

	mu sync.Mutex
}

// NewWriter creates a writer with the configured retry bounds.
func NewWriter(db *DB, logger *logging.Logger, retry config.RetryConfig) *Writer {
	return &Writer{db: db, logger: logger, retry: retry}
}

// CommitBatch applies the commit atomically. Transient failures (lock
// contention, busy database) are retried with backoff up to the configured
// attempt limit; any other failure rolls back and returns immediately with
// the resume point unchanged.
func (w *Writer) CommitBatch(ctx context.Context, commit BatchCommit) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	attempts := w.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(w.retry.BackoffMs) * time.Millisecond

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = w.db.WithTx(func(tx *sql.Tx) error {
			return applyCommit(tx, commit)
		})
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		w.logger.Warn("transient write failure, retrying", map[string]interface{}{
			"source":  commit.Source,
			"batch":   commit.BatchID,
			"attempt": attempt,
			"error":   err.Error(),
		})

		if attempt < attempts {
			select {
			case <-time.After(backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return errors.Wrap(errors.TransientWrite,
		fmt.Sprintf("batch %s for source %s failed after %d attempts", commit.BatchID, commit.Source, attempts), err)
}

func applyCommit(tx *sql.Tx, commit BatchCommit) error {
	if commit.Mutations != nil {
		if err := applyMutations(tx, commit.Mutations); err != nil {
			return err
		}
	}

	for _, fact := range commit.Facts {
		if err := insertFact(tx, fact); err != nil {
			return err
		}
	}

	if err := insertRejects(tx, commit.BatchID, commit.Rejects); err != nil {
		return err
	}

	if commit.Watermark != nil {
		if err := recordWatermark(tx, commit.Source, commit.BatchID, *commit.Watermark); err != nil {
			return err
		}
	}

	return recordRun(tx, commit.Run)
}

// applyMutations applies closes before inserts so the one-is_current
// invariant holds at every point inside the transaction.
func applyMutations(tx *sql.Tx, set *model.MutationSet) error {
	for _, cl := range set.Closes {
		res, err := tx.Exec(`
			UPDATE dimension_records
			SET effective_to = ?, is_current = 0
			WHERE surrogate_key = ? AND is_current = 1
		`, cl.EffectiveTo, cl.SurrogateKey)
		if err != nil {
			return fmt.Errorf("failed to close dimension record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("close targeted missing or already closed record %s", cl.SurrogateKey)
		}
	}

	for _, upd := range set.Updates {
		attrsJSON, err := json.Marshal(upd.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE dimension_records
			SET attributes_json = ?
			WHERE surrogate_key = ?
		`, string(attrsJSON), upd.SurrogateKey); err != nil {
			return fmt.Errorf("failed to update dimension record: %w", err)
		}
	}

	for _, rec := range set.Inserts {
		attrsJSON, err := json.Marshal(rec.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes: %w", err)
		}
		isCurrent := 0
		if rec.IsCurrent {
			isCurrent = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO dimension_records
				(surrogate_key, entity, natural_key, attributes_json,
				 effective_from, effective_to, is_current, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.SurrogateKey, rec.Entity, rec.NaturalKey, string(attrsJSON),
			rec.EffectiveFrom, rec.EffectiveTo, isCurrent, rec.Version); err != nil {
			return fmt.Errorf("failed to insert dimension record: %w", err)
		}
	}

	return nil
}

func insertFact(tx *sql.Tx, fact model.FactRecord) error {
	measuresJSON, err := json.Marshal(fact.Measures)
	if err != nil {
		return fmt.Errorf("failed to encode measures: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO fact_records (fact_id, fact, measures_json, event_timestamp, batch_id)
		VALUES (?, ?, ?, ?, ?)
	`, fact.FactID, fact.Fact, string(measuresJSON), fact.EventTimestamp, fact.BatchID); err != nil {
		return fmt.Errorf("failed to insert fact record: %w", err)
	}

	for entity, sk := range fact.Keys {
		if _, err := tx.Exec(`
			INSERT INTO fact_keys (fact_id, entity, surrogate_key)
			VALUES (?, ?, ?)
		`, fact.FactID, entity, sk); err != nil {
			return fmt.Errorf("failed to insert fact key: %w", err)
		}
	}

	return nil
}

// isTransient reports whether the failure is worth retrying. SQLite reports
// lock contention through the error text.
func isTransient(err error) bool {
	if errors.IsTransient(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
