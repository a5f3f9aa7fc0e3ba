// Package model defines the canonical data shapes that flow through the
// pipeline: canonical rows produced by the normalizer, dimension records and
// mutations staged by the merger, and fact records emitted by the loader.
package model

import (
	"strings"
	"time"
)

// KeyPart is one field of a composite natural key.
type KeyPart struct {
	Field string
	Value string
}

// NaturalKey is the ordered tuple of business-key fields identifying an
// entity in its source system. Field order follows the schema mapping
// declaration so the encoded form is stable.
type NaturalKey []KeyPart

// Encode returns the canonical string form of the key, used for snapshot
// lookups and warehouse storage. Parts are joined with the ASCII unit
// separator so values containing '=' or '|' cannot collide.
func (k NaturalKey) Encode() string {
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = p.Field + "=" + p.Value
	}
	return strings.Join(parts, "\x1f")
}

// IsZero reports whether the key has no parts.
func (k NaturalKey) IsZero() bool {
	return len(k) == 0
}

// CanonicalRow is the normalized form of one extracted record. Attribute
// values are restricted to string, float64 and bool so they survive a JSON
// round trip through the warehouse without changing type; the normalizer
// enforces this. Immutable once produced.
type CanonicalRow struct {
	Entity          string
	NaturalKey      NaturalKey
	Attributes      map[string]interface{}
	Measures        map[string]float64
	Refs            map[string]NaturalKey // dimension entity -> referenced natural key (fact rows only)
	SourceTimestamp time.Time
}

// Attr returns the named attribute and whether it is present.
func (r *CanonicalRow) Attr(name string) (interface{}, bool) {
	v, ok := r.Attributes[name]
	return v, ok
}

// RejectedRow is one entry for the rejected-rows sink.
type RejectedRow struct {
	Source     string
	BatchID    string
	Reason     string
	Detail     string
	Row        map[string]interface{}
	RejectedAt time.Time
}
