package warehouse

import (
	"encoding/json"
	"fmt"
)

// EntityCount is the number of current dimension records for one entity type.
type EntityCount struct {
	Entity  string `json:"entity"`
	Current int    `json:"current"`
	Total   int    `json:"total"` // all versions
}

// CurrentCounts summarizes dimension state per entity type.
func (db *DB) CurrentCounts() ([]EntityCount, error) {
	rows, err := db.Query(`
		SELECT entity,
		       SUM(is_current) AS current,
		       COUNT(*) AS total
		FROM dimension_records
		GROUP BY entity
		ORDER BY entity
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity counts: %w", err)
	}
	defer rows.Close()

	var counts []EntityCount
	for rows.Next() {
		var c EntityCount
		if err := rows.Scan(&c.Entity, &c.Current, &c.Total); err != nil {
			return nil, fmt.Errorf("failed to scan entity count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entity counts: %w", err)
	}

	return counts, nil
}

// FactCount returns the number of committed fact records for one fact table.
func (db *DB) FactCount(fact string) (int, error) {
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM fact_records WHERE fact = ?", fact,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count fact records: %w", err)
	}
	return n, nil
}

// MeasureTotal aggregates one measure over the facts that reference a single
// dimension record.
type MeasureTotal struct {
	NaturalKey string  `json:"naturalKey"`
	Facts      int     `json:"facts"`
	Total      float64 `json:"total"`
}

// MeasureTotals sums a measure per referenced dimension record, current
// versions only. Measures live in a JSON column, so the aggregation walks
// the joined rows rather than pushing the sum into SQL.
func (db *DB) MeasureTotals(fact, measure, entity string) ([]MeasureTotal, error) {
	rows, err := db.Query(`
		SELECT d.natural_key, f.measures_json
		FROM fact_records f
		JOIN fact_keys k ON k.fact_id = f.fact_id AND k.entity = ?
		JOIN dimension_records d ON d.surrogate_key = k.surrogate_key
		WHERE f.fact = ?
		ORDER BY d.natural_key
	`, entity, fact)
	if err != nil {
		return nil, fmt.Errorf("failed to query measure totals: %w", err)
	}
	defer rows.Close()

	byKey := make(map[string]*MeasureTotal)
	var order []string
	for rows.Next() {
		var naturalKey, measuresJSON string
		if err := rows.Scan(&naturalKey, &measuresJSON); err != nil {
			return nil, fmt.Errorf("failed to scan measure row: %w", err)
		}

		var measures map[string]float64
		if err := json.Unmarshal([]byte(measuresJSON), &measures); err != nil {
			return nil, fmt.Errorf("failed to decode measures: %w", err)
		}
		v, ok := measures[measure]
		if !ok {
			continue
		}

		total, seen := byKey[naturalKey]
		if !seen {
			total = &MeasureTotal{NaturalKey: naturalKey}
			byKey[naturalKey] = total
			order = append(order, naturalKey)
		}
		total.Facts++
		total.Total += v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read measure totals: %w", err)
	}

	totals := make([]MeasureTotal, 0, len(order))
	for _, key := range order {
		totals = append(totals, *byKey[key])
	}
	return totals, nil
}
