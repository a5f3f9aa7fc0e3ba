// Package facts resolves fact rows against dimension state and emits
// append-only fact records. Resolution prefers surrogate keys staged in the
// same batch so a fact can reference a dimension version created moments
// earlier; this is why the pipeline runs all dimension sources to completion
// before any fact source starts.
package facts

import (
	"time"

	"dimetl/internal/errors"
	"dimetl/internal/merge"
	"dimetl/internal/model"
)

// Snapshot maps a dimension entity type to its active records keyed by
// encoded natural key.
type Snapshot map[string]map[string]model.DimensionRecord

// Loader turns canonical fact rows into fact records for one fact table.
type Loader struct {
	fact string
	keys merge.KeyAllocator
}

// NewLoader creates a loader for the named fact table.
func NewLoader(fact string, keys merge.KeyAllocator) *Loader {
	return &Loader{fact: fact, keys: keys}
}

// Load resolves each row's dimension references and emits fact records.
// staged carries this batch's dimension mutations per entity; snapshot is the
// pre-batch active state. A row whose reference resolves through neither is
// rejected with UNRESOLVED_DIMENSION_KEY and the rest of the batch proceeds.
func (l *Loader) Load(rows []model.CanonicalRow, staged map[string]*model.MutationSet, snapshot Snapshot, batchID string, batchTime time.Time) ([]model.FactRecord, []model.RejectedRow) {
	var records []model.FactRecord
	var rejects []model.RejectedRow

	for _, row := range rows {
		keys, err := l.resolve(row, staged, snapshot)
		if err != nil {
			rejects = append(rejects, model.RejectedRow{
				Source:  l.fact,
				BatchID: batchID,
				Reason:  string(errors.CodeOf(err)),
				Detail:  err.Error(),
				Row:     row.Attributes,
			})
			continue
		}

		eventMs := batchTime.UnixMilli()
		if !row.SourceTimestamp.IsZero() {
			eventMs = row.SourceTimestamp.UnixMilli()
		}

		records = append(records, model.FactRecord{
			FactID:         l.keys.NextKey(l.fact),
			Fact:           l.fact,
			Keys:           keys,
			Measures:       row.Measures,
			EventTimestamp: eventMs,
			BatchID:        batchID,
		})
	}

	return records, rejects
}

func (l *Loader) resolve(row model.CanonicalRow, staged map[string]*model.MutationSet, snapshot Snapshot) (map[string]string, error) {
	keys := make(map[string]string, len(row.Refs))

	for entity, ref := range row.Refs {
		encoded := ref.Encode()

		// This batch's mutations win over the pre-batch snapshot: the fact
		// must point at the version that is current after the dimension
		// phase, not the one it superseded.
		if set, ok := staged[entity]; ok && set != nil {
			if sk := set.KeyFor(encoded); sk != "" {
				keys[entity] = sk
				continue
			}
		}

		if active, ok := snapshot[entity]; ok {
			if rec, ok := active[encoded]; ok {
				keys[entity] = rec.SurrogateKey
				continue
			}
		}

		return nil, errors.Newf(errors.UnresolvedDimensionKey,
			"fact %q references %s %q which has no active dimension record",
			l.fact, entity, encoded).
			WithDetails(map[string]interface{}{
				"fact":        l.fact,
				"entity":      entity,
				"natural_key": encoded,
			})
	}

	return keys, nil
}
