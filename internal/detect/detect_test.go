package detect

import (
	"testing"

	"dimetl/internal/config"
	"dimetl/internal/model"
)

func row(id string, attrs map[string]interface{}) model.CanonicalRow {
	attrs["customer_id"] = id
	return model.CanonicalRow{
		Entity:     "customer",
		NaturalKey: model.NaturalKey{{Field: "customer_id", Value: id}},
		Attributes: attrs,
	}
}

func snapshotOf(records ...model.DimensionRecord) map[string]model.DimensionRecord {
	snap := make(map[string]model.DimensionRecord, len(records))
	for _, r := range records {
		snap[r.NaturalKey] = r
	}
	return snap
}

func current(id string, attrs map[string]interface{}) model.DimensionRecord {
	attrs["customer_id"] = id
	return model.DimensionRecord{
		SurrogateKey: "sk-" + id,
		Entity:       "customer",
		NaturalKey:   "customer_id=" + id,
		Attributes:   attrs,
		IsCurrent:    true,
		Version:      1,
	}
}

func TestClassifyNewChangedUnchanged(t *testing.T) {
	d := New([]string{"email"}, false)

	snap := snapshotOf(
		current("C-1", map[string]interface{}{"email": "a@x.com"}),
		current("C-2", map[string]interface{}{"email": "b@x.com"}),
	)

	parts := d.Classify([]model.CanonicalRow{
		row("C-1", map[string]interface{}{"email": "a@x.com"}),   // unchanged
		row("C-2", map[string]interface{}{"email": "new@x.com"}), // changed
		row("C-3", map[string]interface{}{"email": "c@x.com"}),   // new
	}, snap)

	if len(parts.New) != 1 || parts.New[0].NaturalKey.Encode() != "customer_id=C-3" {
		t.Errorf("New = %v, want [C-3]", parts.New)
	}
	if len(parts.Changed) != 1 || parts.Changed[0].NaturalKey.Encode() != "customer_id=C-2" {
		t.Errorf("Changed = %v, want [C-2]", parts.Changed)
	}
	if len(parts.Unchanged) != 1 || parts.Unchanged[0].NaturalKey.Encode() != "customer_id=C-1" {
		t.Errorf("Unchanged = %v, want [C-1]", parts.Unchanged)
	}
	if len(parts.Deleted) != 0 {
		t.Errorf("Deleted = %v, want empty when delete detection is off", parts.Deleted)
	}
}

func TestUntrackedFieldsNeverTriggerChanged(t *testing.T) {
	d := New([]string{"email"}, false)

	snap := snapshotOf(current("C-1", map[string]interface{}{
		"email": "a@x.com",
		"notes": "old notes",
	}))

	parts := d.Classify([]model.CanonicalRow{
		row("C-1", map[string]interface{}{"email": "a@x.com", "notes": "completely different"}),
	}, snap)

	if len(parts.Unchanged) != 1 {
		t.Fatalf("untracked field difference must classify UNCHANGED, got %+v", parts)
	}
}

func TestTrackedAttributeAppearingOrVanishingIsChanged(t *testing.T) {
	d := New([]string{"email", "phone"}, false)

	snap := snapshotOf(current("C-1", map[string]interface{}{"email": "a@x.com"}))

	parts := d.Classify([]model.CanonicalRow{
		row("C-1", map[string]interface{}{"email": "a@x.com", "phone": "555-1234"}),
	}, snap)

	if len(parts.Changed) != 1 {
		t.Fatalf("newly present tracked attribute must classify CHANGED, got %+v", parts)
	}
}

func TestDeleteDetectionOnlyForFullRefresh(t *testing.T) {
	snap := snapshotOf(
		current("C-1", map[string]interface{}{"email": "a@x.com"}),
		current("C-2", map[string]interface{}{"email": "b@x.com"}),
	)
	batch := []model.CanonicalRow{row("C-1", map[string]interface{}{"email": "a@x.com"})}

	full := New([]string{"email"}, true)
	parts := full.Classify(batch, snap)
	if len(parts.Deleted) != 1 || parts.Deleted[0].NaturalKey != "customer_id=C-2" {
		t.Errorf("full refresh: Deleted = %v, want [C-2]", parts.Deleted)
	}

	appendOnly := New([]string{"email"}, false)
	parts = appendOnly.Classify(batch, snap)
	if len(parts.Deleted) != 0 {
		t.Errorf("append-only: Deleted = %v, want empty", parts.Deleted)
	}
}

func TestDuplicateKeyClassifiesOnLastOccurrence(t *testing.T) {
	d := New([]string{"email"}, false)

	snap := snapshotOf(current("C-1", map[string]interface{}{"email": "a@x.com"}))

	// An interim state followed by a row equal to the snapshot: the later
	// record wins, so the key is UNCHANGED and the stale row is dropped.
	parts := d.Classify([]model.CanonicalRow{
		row("C-1", map[string]interface{}{"email": "interim@x.com"}),
		row("C-1", map[string]interface{}{"email": "a@x.com"}),
	}, snap)

	if len(parts.Changed) != 0 {
		t.Fatalf("earlier duplicate must not classify CHANGED, got %+v", parts.Changed)
	}
	if len(parts.Unchanged) != 1 || parts.Unchanged[0].Attributes["email"] != "a@x.com" {
		t.Fatalf("Unchanged = %+v, want the final row", parts.Unchanged)
	}

	// Reversed order: the final differing row is the one that classifies.
	parts = d.Classify([]model.CanonicalRow{
		row("C-1", map[string]interface{}{"email": "a@x.com"}),
		row("C-1", map[string]interface{}{"email": "final@x.com"}),
	}, snap)

	if len(parts.Changed) != 1 || parts.Changed[0].Attributes["email"] != "final@x.com" {
		t.Fatalf("Changed = %+v, want the final row", parts.Changed)
	}
	if len(parts.Unchanged) != 0 {
		t.Fatalf("Unchanged = %+v, want empty", parts.Unchanged)
	}
}

func TestClassifyPreservesInputOrder(t *testing.T) {
	d := New([]string{"email"}, false)

	var batch []model.CanonicalRow
	for _, id := range []string{"C-5", "C-3", "C-9", "C-1"} {
		batch = append(batch, row(id, map[string]interface{}{"email": id + "@x.com"}))
	}

	parts := d.Classify(batch, snapshotOf())

	want := []string{"customer_id=C-5", "customer_id=C-3", "customer_id=C-9", "customer_id=C-1"}
	for i, r := range parts.New {
		if r.NaturalKey.Encode() != want[i] {
			t.Fatalf("order not preserved: got %q at %d, want %q", r.NaturalKey.Encode(), i, want[i])
		}
	}
}

func TestForSourceUsesPolicyTrackedOverMapping(t *testing.T) {
	mapping := &config.SchemaMapping{
		Fields: []config.FieldMapping{
			{Source: "id", Canonical: "customer_id", Type: config.TypeString, NaturalKey: true},
			{Source: "email", Canonical: "email", Type: config.TypeString, Tracked: true},
			{Source: "phone", Canonical: "phone", Type: config.TypeString, Tracked: true},
		},
	}
	src := config.SourceConfig{Mode: config.ModeAppendOnly}

	// Policy narrows tracking to email only; phone changes are ignored.
	d := ForSource(src, config.EntityPolicy{Tracked: []string{"email"}}, mapping)

	snap := snapshotOf(current("C-1", map[string]interface{}{
		"email": "a@x.com",
		"phone": "111",
	}))
	parts := d.Classify([]model.CanonicalRow{
		row("C-1", map[string]interface{}{"email": "a@x.com", "phone": "222"}),
	}, snap)

	if len(parts.Unchanged) != 1 {
		t.Fatalf("policy tracked list should override mapping flags, got %+v", parts)
	}

	// Without a policy list the mapping's flags apply and phone matters.
	d = ForSource(src, config.EntityPolicy{}, mapping)
	parts = d.Classify([]model.CanonicalRow{
		row("C-1", map[string]interface{}{"email": "a@x.com", "phone": "222"}),
	}, snap)

	if len(parts.Changed) != 1 {
		t.Fatalf("mapping tracked flags should apply without a policy list, got %+v", parts)
	}
}
