package model

// FactRecord is one append-only fact row, keyed by the dimension surrogate
// keys that were current at event time. Immutable once committed.
type FactRecord struct {
	FactID         string
	Fact           string
	Keys           map[string]string // dimension entity -> surrogate key
	Measures       map[string]float64
	EventTimestamp int64 // Unix milliseconds
	BatchID        string
}

// BatchStatus is the terminal state of one batch run.
type BatchStatus string

const (
	// BatchSuccess means the writer committed and no rows were rejected.
	BatchSuccess BatchStatus = "success"
	// BatchPartial means the writer committed but some rows were rejected.
	BatchPartial BatchStatus = "partial"
	// BatchFailed means nothing was committed; the resume point is unchanged.
	BatchFailed BatchStatus = "failed"
)
