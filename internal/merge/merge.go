// Package merge applies the configured SCD policy to classified rows and
// stages dimension mutations.
//
// The merger is pure: it reads the classification partitions and the active
// snapshot, and returns a MutationSet plus per-key rejects. All policy
// dispatch (type1 vs type2, per-attribute overrides, delete handling) lives
// in this one place so the temporal invariants are enforced by a single
// algorithm rather than spread across policy subclasses.
package merge

import (
	"time"

	"dimetl/internal/config"
	"dimetl/internal/detect"
	"dimetl/internal/errors"
	"dimetl/internal/model"
)

// Merger stages dimension mutations for one entity type.
type Merger struct {
	entity  string
	policy  config.EntityPolicy
	tracked []string
	keys    KeyAllocator
}

// New creates a merger. tracked is the resolved tracked-attribute list (the
// same one the detector used).
func New(entity string, policy config.EntityPolicy, tracked []string, keys KeyAllocator) *Merger {
	return &Merger{entity: entity, policy: policy, tracked: tracked, keys: keys}
}

// Merge stages mutations for the batch. batchTime is the batch event time,
// used for rows that carry no source timestamp and for delete close-outs.
// retired holds the latest closed version of keys with no current record; a
// re-sighted key continues its chain from there instead of restarting at
// version 1. Rows whose event time violates the temporal invariant are
// rejected with OUT_OF_ORDER_UPDATE and leave their natural key untouched.
func (m *Merger) Merge(parts detect.Partitions, snapshot, retired map[string]model.DimensionRecord, batchTime time.Time) (model.MutationSet, []model.RejectedRow) {
	set := model.MutationSet{Entity: m.entity}
	var rejects []model.RejectedRow

	// staged tracks what this batch already holds for a natural key, so a
	// later row for the same key replaces the staged state instead of
	// forking the version chain.
	staged := make(map[string]stagedKey)

	for _, row := range parts.New {
		if err := m.mergeNew(&set, staged, retired, row, batchTime); err != nil {
			rejects = append(rejects, model.RejectedRow{
				Source: m.entity,
				Reason: string(errors.CodeOf(err)),
				Detail: err.Error(),
				Row:    row.Attributes,
			})
		}
	}

	for _, row := range parts.Changed {
		if err := m.mergeChanged(&set, staged, snapshot, row, batchTime); err != nil {
			rejects = append(rejects, model.RejectedRow{
				Source: m.entity,
				Reason: string(errors.CodeOf(err)),
				Detail: err.Error(),
				Row:    row.Attributes,
			})
		}
	}

	for _, rec := range parts.Deleted {
		if err := m.mergeDeleted(&set, rec, batchTime); err != nil {
			rejects = append(rejects, model.RejectedRow{
				Source: m.entity,
				Reason: string(errors.CodeOf(err)),
				Detail: err.Error(),
				Row:    rec.Attributes,
			})
		}
	}

	return set, rejects
}

// stagedKey locates a natural key's staged mutations within the set.
// closeIdx is -1 when the staged insert did not supersede an older version.
type stagedKey struct {
	insertIdx int
	closeIdx  int
}

func (m *Merger) eventMillis(row model.CanonicalRow, batchTime time.Time) int64 {
	if !row.SourceTimestamp.IsZero() {
		return row.SourceTimestamp.UnixMilli()
	}
	return batchTime.UnixMilli()
}

func (m *Merger) mergeNew(set *model.MutationSet, staged map[string]stagedKey, retired map[string]model.DimensionRecord, row model.CanonicalRow, batchTime time.Time) error {
	key := row.NaturalKey.Encode()
	eventMs := m.eventMillis(row, batchTime)

	if st, ok := staged[key]; ok {
		// Same key twice in one batch: the later record wins, intermediate
		// within-batch states are not versioned.
		m.foldIntoStaged(set, st, row.Attributes, eventMs)
		return nil
	}

	// A key closed out by an earlier delete resumes its version chain. The
	// new window opens strictly after the last close.
	version := 1
	if prior, ok := retired[key]; ok {
		if eventMs <= prior.EffectiveTo {
			return errors.Newf(errors.OutOfOrderUpdate,
				"event time %d for re-added key %q is not after last close %d",
				eventMs, key, prior.EffectiveTo).
				WithDetails(map[string]interface{}{
					"entity":      m.entity,
					"natural_key": key,
					"version":     prior.Version,
				})
		}
		version = prior.Version + 1
	}

	set.Inserts = append(set.Inserts, model.DimensionRecord{
		SurrogateKey:  m.keys.NextKey(m.entity),
		Entity:        m.entity,
		NaturalKey:    key,
		Attributes:    row.Attributes,
		EffectiveFrom: eventMs,
		IsCurrent:     true,
		Version:       version,
	})
	staged[key] = stagedKey{insertIdx: len(set.Inserts) - 1, closeIdx: -1}
	return nil
}

// foldIntoStaged replaces a staged successor's state with a later row's,
// keeping the close-out (when one exists) adjacent to the new effective_from.
func (m *Merger) foldIntoStaged(set *model.MutationSet, st stagedKey, attrs map[string]interface{}, eventMs int64) {
	set.Inserts[st.insertIdx].Attributes = attrs
	set.Inserts[st.insertIdx].EffectiveFrom = eventMs
	if st.closeIdx >= 0 {
		set.Closes[st.closeIdx].EffectiveTo = eventMs - 1
	}
}

func (m *Merger) mergeChanged(set *model.MutationSet, staged map[string]stagedKey, snapshot map[string]model.DimensionRecord, row model.CanonicalRow, batchTime time.Time) error {
	key := row.NaturalKey.Encode()
	current, ok := snapshot[key]
	if !ok {
		// Detector guarantees a match; a miss here means the snapshot and
		// partitions are out of sync.
		return errors.Newf(errors.Internal, "no current record for changed key %q", key)
	}

	if m.policy.Policy == config.PolicyType1 {
		set.Updates = append(set.Updates, model.Update{
			SurrogateKey: current.SurrogateKey,
			Attributes:   overlay(current.Attributes, row.Attributes, m.tracked),
		})
		return nil
	}

	// Type 2 entity. Attributes individually flagged type1 overwrite in
	// place; only a difference in a genuine type2 attribute opens a new
	// version.
	diffs := m.changedFields(row.Attributes, current.Attributes)
	allType1 := true
	for _, f := range diffs {
		if !m.policy.IsType1Field(f) {
			allType1 = false
			break
		}
	}
	if allType1 {
		set.Updates = append(set.Updates, model.Update{
			SurrogateKey: current.SurrogateKey,
			Attributes:   overlay(current.Attributes, row.Attributes, diffs),
		})
		return nil
	}

	eventMs := m.eventMillis(row, batchTime)
	if eventMs <= current.EffectiveFrom {
		return errors.Newf(errors.OutOfOrderUpdate,
			"event time %d for key %q is not after current version's effective_from %d",
			eventMs, key, current.EffectiveFrom).
			WithDetails(map[string]interface{}{
				"entity":      m.entity,
				"natural_key": key,
				"version":     current.Version,
			})
	}

	if st, ok := staged[key]; ok {
		// Later change for a key already superseded in this batch: fold it
		// into the staged successor.
		m.foldIntoStaged(set, st, row.Attributes, eventMs)
		return nil
	}

	set.Closes = append(set.Closes, model.Close{
		SurrogateKey: current.SurrogateKey,
		EffectiveTo:  eventMs - 1,
	})
	set.Inserts = append(set.Inserts, model.DimensionRecord{
		SurrogateKey:  m.keys.NextKey(m.entity),
		Entity:        m.entity,
		NaturalKey:    key,
		Attributes:    row.Attributes,
		EffectiveFrom: eventMs,
		IsCurrent:     true,
		Version:       current.Version + 1,
	})
	staged[key] = stagedKey{insertIdx: len(set.Inserts) - 1, closeIdx: len(set.Closes) - 1}
	return nil
}

func (m *Merger) mergeDeleted(set *model.MutationSet, rec model.DimensionRecord, batchTime time.Time) error {
	switch m.policy.DeletePolicy {
	case config.DeleteIgnore, "":
		return nil

	case config.DeleteFlag:
		flagged := overlay(rec.Attributes, map[string]interface{}{"is_deleted": true}, []string{"is_deleted"})
		set.Updates = append(set.Updates, model.Update{
			SurrogateKey: rec.SurrogateKey,
			Attributes:   flagged,
		})
		return nil

	case config.DeleteClose:
		closeMs := batchTime.UnixMilli()
		if closeMs <= rec.EffectiveFrom {
			return errors.Newf(errors.OutOfOrderUpdate,
				"close time %d for key %q is not after effective_from %d",
				closeMs, rec.NaturalKey, rec.EffectiveFrom)
		}
		set.Closes = append(set.Closes, model.Close{
			SurrogateKey: rec.SurrogateKey,
			EffectiveTo:  closeMs,
		})
		return nil

	default:
		return errors.Newf(errors.FatalConfig,
			"unknown delete policy %q for entity %q", m.policy.DeletePolicy, m.entity)
	}
}

// changedFields returns the tracked fields whose normalized values differ.
func (m *Merger) changedFields(incoming, current map[string]interface{}) []string {
	var diffs []string
	for _, field := range m.tracked {
		in, inOK := incoming[field]
		cur, curOK := current[field]
		if inOK != curOK || (inOK && in != cur) {
			diffs = append(diffs, field)
		}
	}
	return diffs
}

// overlay copies base and overwrites the listed fields from src.
func overlay(base, src map[string]interface{}, fields []string) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for _, f := range fields {
		if v, ok := src[f]; ok {
			out[f] = v
		}
	}
	return out
}
