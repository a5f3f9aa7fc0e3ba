package warehouse

import (
	"database/sql"
	"fmt"
	"time"

	"dimetl/internal/model"
)

// ResumePoint returns the committed watermark for a source, or nil when the
// source has never completed a batch (which means full extract).
func (db *DB) ResumePoint(source string) (*time.Time, error) {
	var watermark int64
	err := db.QueryRow(
		"SELECT watermark FROM batch_ledger WHERE source_name = ?", source,
	).Scan(&watermark)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query resume point: %w", err)
	}

	ts := time.UnixMilli(watermark).UTC()
	return &ts, nil
}

// recordWatermark upserts the source's resume point inside the batch
// transaction, so the ledger and the batch's records commit or roll back
// together.
func recordWatermark(tx *sql.Tx, source, batchID string, watermark time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO batch_ledger (source_name, watermark, batch_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_name) DO UPDATE SET
			watermark = excluded.watermark,
			batch_id = excluded.batch_id,
			updated_at = excluded.updated_at
	`, source, watermark.UnixMilli(), batchID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record watermark: %w", err)
	}
	return nil
}

// RunRecord is one batch_runs audit entry.
type RunRecord struct {
	BatchID    string
	Source     string
	Status     model.BatchStatus
	Extracted  int
	Loaded     int
	Rejected   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

func recordRun(tx *sql.Tx, run RunRecord) error {
	var errText interface{}
	if run.Error != "" {
		errText = run.Error
	}
	_, err := tx.Exec(`
		INSERT INTO batch_runs
			(batch_id, source_name, status, extracted, loaded, rejected, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.BatchID, run.Source, string(run.Status),
		run.Extracted, run.Loaded, run.Rejected, errText,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record batch run: %w", err)
	}
	return nil
}

// RecordFailedRun writes a failed batch_runs entry outside any batch
// transaction. Failed batches commit nothing else, so the audit row is the
// only trace they leave.
func (db *DB) RecordFailedRun(run RunRecord) error {
	run.Status = model.BatchFailed
	return db.WithTx(func(tx *sql.Tx) error {
		return recordRun(tx, run)
	})
}

// RunHistory returns the most recent batch runs for one source, newest
// first. A source of "" returns runs for all sources.
func (db *DB) RunHistory(source string, limit int) ([]RunRecord, error) {
	query := `
		SELECT batch_id, source_name, status, extracted, loaded, rejected,
		       COALESCE(error, ''), started_at, finished_at
		FROM batch_runs
	`
	var args []interface{}
	if source != "" {
		query += " WHERE source_name = ?"
		args = append(args, source)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		var status string
		var startedAt, finishedAt int64
		if err := rows.Scan(&run.BatchID, &run.Source, &status,
			&run.Extracted, &run.Loaded, &run.Rejected, &run.Error,
			&startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", err)
		}
		run.Status = model.BatchStatus(status)
		run.StartedAt = time.UnixMilli(startedAt).UTC()
		run.FinishedAt = time.UnixMilli(finishedAt).UTC()
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run history: %w", err)
	}

	return runs, nil
}
