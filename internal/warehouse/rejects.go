package warehouse

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dimetl/internal/model"
)

func insertRejects(tx *sql.Tx, batchID string, rejects []model.RejectedRow) error {
	for _, rej := range rejects {
		rowJSON, err := json.Marshal(rej.Row)
		if err != nil {
			return fmt.Errorf("failed to encode rejected row: %w", err)
		}

		rejectedAt := rej.RejectedAt
		if rejectedAt.IsZero() {
			rejectedAt = time.Now().UTC()
		}

		if _, err := tx.Exec(`
			INSERT INTO rejected_rows (source_name, batch_id, reason, detail, row_json, rejected_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rej.Source, batchID, rej.Reason, rej.Detail, string(rowJSON), rejectedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert rejected row: %w", err)
		}
	}
	return nil
}

// RejectedRows returns the most recent rejects, newest first. A source of ""
// returns rejects for all sources.
func (db *DB) RejectedRows(source string, limit int) ([]model.RejectedRow, error) {
	query := `
		SELECT source_name, batch_id, reason, detail, row_json, rejected_at
		FROM rejected_rows
	`
	var args []interface{}
	if source != "" {
		query += " WHERE source_name = ?"
		args = append(args, source)
	}
	query += " ORDER BY rejected_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rejected rows: %w", err)
	}
	defer rows.Close()

	var rejects []model.RejectedRow
	for rows.Next() {
		var rej model.RejectedRow
		var rowJSON string
		var rejectedAt int64
		if err := rows.Scan(&rej.Source, &rej.BatchID, &rej.Reason, &rej.Detail,
			&rowJSON, &rejectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rejected row: %w", err)
		}
		if err := json.Unmarshal([]byte(rowJSON), &rej.Row); err != nil {
			return nil, fmt.Errorf("failed to decode rejected row: %w", err)
		}
		rej.RejectedAt = time.UnixMilli(rejectedAt).UTC()
		rejects = append(rejects, rej)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rejected rows: %w", err)
	}

	return rejects, nil
}
