package model

// DimensionRecord is one version of a dimension entity in the warehouse.
//
// Invariant: for a given (entity, natural key) exactly one record has
// IsCurrent set, and the effective_to of version N is the effective_from of
// version N+1 minus one millisecond. Timestamps are Unix milliseconds; an
// EffectiveTo of zero means the record is still open.
type DimensionRecord struct {
	SurrogateKey  string
	Entity        string
	NaturalKey    string // encoded form, see NaturalKey.Encode
	Attributes    map[string]interface{}
	EffectiveFrom int64
	EffectiveTo   int64 // 0 = open-ended
	IsCurrent     bool
	Version       int
}

// Close records the supersession of an open dimension version.
type Close struct {
	SurrogateKey string
	EffectiveTo  int64
}

// Update records an in-place Type 1 overwrite of tracked attributes.
// Surrogate key, version and validity window are untouched.
type Update struct {
	SurrogateKey string
	Attributes   map[string]interface{}
}

// MutationSet is the merger's staged output for one entity type in one
// batch. It is applied atomically by the warehouse writer and never touches
// live state itself.
type MutationSet struct {
	Entity  string
	Inserts []DimensionRecord
	Updates []Update
	Closes  []Close
}

// Empty reports whether the set carries no work.
func (m *MutationSet) Empty() bool {
	return len(m.Inserts) == 0 && len(m.Updates) == 0 && len(m.Closes) == 0
}

// KeyFor resolves a natural key to the surrogate key staged in this set,
// preferring this batch's inserts over anything older. Returns "" when the
// set stages nothing for that key.
func (m *MutationSet) KeyFor(naturalKey string) string {
	// Later inserts win: a Type 2 change stages the successor after any
	// earlier versions seen in the same batch.
	for i := len(m.Inserts) - 1; i >= 0; i-- {
		if m.Inserts[i].NaturalKey == naturalKey && m.Inserts[i].IsCurrent {
			return m.Inserts[i].SurrogateKey
		}
	}
	return ""
}
