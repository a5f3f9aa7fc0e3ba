// Package detect classifies canonical rows against the current warehouse
// state. It operates on an explicit read-only snapshot of active dimension
// records and returns four disjoint partitions; nothing here performs I/O.
package detect

import (
	"sort"

	"dimetl/internal/config"
	"dimetl/internal/model"
)

// Partitions holds the disjoint classification of one batch. Input order is
// preserved within each partition so downstream processing is deterministic.
type Partitions struct {
	New       []model.CanonicalRow
	Changed   []model.CanonicalRow
	Unchanged []model.CanonicalRow
	Deleted   []model.DimensionRecord // snapshot records absent from a full-refresh batch
}

// Detector classifies one entity type's rows.
type Detector struct {
	tracked       []string
	detectDeletes bool
}

// New creates a detector. tracked lists the attributes whose changes matter;
// untracked attributes never trigger CHANGED. detectDeletes must only be set
// for sources explicitly configured full_refresh; it is never inferred.
func New(tracked []string, detectDeletes bool) *Detector {
	return &Detector{tracked: tracked, detectDeletes: detectDeletes}
}

// ForSource builds a detector from source and entity configuration. The
// entity policy's tracked list wins when set; otherwise the schema mapping's
// tracked flags apply.
func ForSource(src config.SourceConfig, pol config.EntityPolicy, mapping *config.SchemaMapping) *Detector {
	tracked := pol.Tracked
	if len(tracked) == 0 {
		tracked = mapping.TrackedFields()
	}
	return New(tracked, src.Mode == config.ModeFullRefresh)
}

// Classify partitions the batch against the active snapshot, keyed by
// encoded natural key. Duplicate keys within the batch collapse to the last
// occurrence before classification, so the later record wins. The snapshot is
// never modified.
func (d *Detector) Classify(rows []model.CanonicalRow, snapshot map[string]model.DimensionRecord) Partitions {
	rows = lastPerKey(rows)

	var parts Partitions
	seen := make(map[string]bool, len(rows))

	for _, row := range rows {
		key := row.NaturalKey.Encode()
		seen[key] = true

		current, ok := snapshot[key]
		if !ok {
			parts.New = append(parts.New, row)
			continue
		}

		if d.trackedEqual(row.Attributes, current.Attributes) {
			parts.Unchanged = append(parts.Unchanged, row)
		} else {
			parts.Changed = append(parts.Changed, row)
		}
	}

	if d.detectDeletes {
		// Deleted keys are by definition not in the batch, so there is no
		// input order to preserve. Sort by natural key for stable output.
		for _, key := range sortedKeys(snapshot) {
			if !seen[key] {
				parts.Deleted = append(parts.Deleted, snapshot[key])
			}
		}
	}

	return parts
}

// trackedEqual compares only the tracked attributes. Values were normalized
// upstream (trimmed, case-folded, widened to float64), so direct equality is
// the documented comparison rule. A tracked attribute absent on one side and
// present on the other counts as a change.
func (d *Detector) trackedEqual(incoming, current map[string]interface{}) bool {
	for _, field := range d.tracked {
		in, inOK := incoming[field]
		cur, curOK := current[field]
		if inOK != curOK {
			return false
		}
		if inOK && in != cur {
			return false
		}
	}
	return true
}

// lastPerKey drops all but the last occurrence of each natural key, keeping
// input order. Duplicates of one key must not straddle partitions: an earlier
// differing row would land in Changed while a final snapshot-equal row lands
// in Unchanged and is discarded.
func lastPerKey(rows []model.CanonicalRow) []model.CanonicalRow {
	last := make(map[string]int, len(rows))
	dup := false
	for i, row := range rows {
		key := row.NaturalKey.Encode()
		if _, ok := last[key]; ok {
			dup = true
		}
		last[key] = i
	}
	if !dup {
		return rows
	}

	out := make([]model.CanonicalRow, 0, len(last))
	for i, row := range rows {
		if last[row.NaturalKey.Encode()] == i {
			out = append(out, row)
		}
	}
	return out
}

func sortedKeys(m map[string]model.DimensionRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
