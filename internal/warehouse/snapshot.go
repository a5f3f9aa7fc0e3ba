package warehouse

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"dimetl/internal/model"
)

// ActiveSnapshot returns the current dimension records for one entity type,
// keyed by encoded natural key. The snapshot is a point-in-time read; callers
// classify and merge against it without holding any lock.
func (db *DB) ActiveSnapshot(entity string) (map[string]model.DimensionRecord, error) {
	rows, err := db.Query(`
		SELECT surrogate_key, entity, natural_key, attributes_json,
		       effective_from, effective_to, is_current, version
		FROM dimension_records
		WHERE entity = ? AND is_current = 1
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to query active snapshot: %w", err)
	}
	defer rows.Close()

	snapshot := make(map[string]model.DimensionRecord)
	for rows.Next() {
		rec, err := scanDimensionRecord(rows)
		if err != nil {
			return nil, err
		}
		snapshot[rec.NaturalKey] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read active snapshot: %w", err)
	}

	return snapshot, nil
}

// RetiredSnapshot returns, for each natural key with no current record, its
// highest closed version. A key re-appearing after a delete close-out
// continues versioning from here rather than colliding with version 1.
func (db *DB) RetiredSnapshot(entity string) (map[string]model.DimensionRecord, error) {
	rows, err := db.Query(`
		SELECT surrogate_key, entity, natural_key, attributes_json,
		       effective_from, effective_to, is_current, version
		FROM dimension_records d
		WHERE entity = ? AND is_current = 0
		  AND version = (SELECT MAX(version) FROM dimension_records
		                 WHERE entity = d.entity AND natural_key = d.natural_key)
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to query retired snapshot: %w", err)
	}
	defer rows.Close()

	retired := make(map[string]model.DimensionRecord)
	for rows.Next() {
		rec, err := scanDimensionRecord(rows)
		if err != nil {
			return nil, err
		}
		retired[rec.NaturalKey] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read retired snapshot: %w", err)
	}

	return retired, nil
}

// VersionHistory returns every version of one natural key, oldest first.
func (db *DB) VersionHistory(entity, naturalKey string) ([]model.DimensionRecord, error) {
	rows, err := db.Query(`
		SELECT surrogate_key, entity, natural_key, attributes_json,
		       effective_from, effective_to, is_current, version
		FROM dimension_records
		WHERE entity = ? AND natural_key = ?
		ORDER BY version
	`, entity, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query version history: %w", err)
	}
	defer rows.Close()

	var history []model.DimensionRecord
	for rows.Next() {
		rec, err := scanDimensionRecord(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read version history: %w", err)
	}

	return history, nil
}

func scanDimensionRecord(rows *sql.Rows) (model.DimensionRecord, error) {
	var rec model.DimensionRecord
	var attrsJSON string
	var isCurrent int

	if err := rows.Scan(&rec.SurrogateKey, &rec.Entity, &rec.NaturalKey, &attrsJSON,
		&rec.EffectiveFrom, &rec.EffectiveTo, &isCurrent, &rec.Version); err != nil {
		return model.DimensionRecord{}, fmt.Errorf("failed to scan dimension record: %w", err)
	}

	if err := json.Unmarshal([]byte(attrsJSON), &rec.Attributes); err != nil {
		return model.DimensionRecord{}, fmt.Errorf("failed to decode attributes: %w", err)
	}
	rec.IsCurrent = isCurrent == 1

	return rec, nil
}
