package normalize

import (
	"iter"
	"testing"
	"time"

	"dimetl/internal/config"
)

func customerMapping() *config.SchemaMapping {
	return &config.SchemaMapping{
		Fields: []config.FieldMapping{
			{Source: "id", Canonical: "customer_id", Type: config.TypeString, NaturalKey: true},
			{Source: "name", Canonical: "customer_name", Type: config.TypeString, Tracked: true},
			{Source: "email", Canonical: "email", Type: config.TypeString, Tracked: true, FoldCase: true},
			{Source: "age", Canonical: "age", Type: config.TypeInt},
			{Source: "active", Canonical: "active", Type: config.TypeBool},
			{Source: "updated", Canonical: "updated_at", Type: config.TypeTime},
		},
	}
}

func orderMapping() *config.SchemaMapping {
	return &config.SchemaMapping{
		Fields: []config.FieldMapping{
			{Source: "order_id", Canonical: "order_id", Type: config.TypeString, NaturalKey: true},
			{Source: "customer", Canonical: "customer_id", Type: config.TypeString},
			{Source: "qty", Canonical: "quantity", Type: config.TypeInt, Measure: true},
			{Source: "price", Canonical: "unit_price", Type: config.TypeFloat, Measure: true},
			{Source: "date", Canonical: "order_date", Type: config.TypeTime},
		},
	}
}

func seq(records ...map[string]interface{}) iter.Seq2[map[string]interface{}, error] {
	return func(yield func(map[string]interface{}, error) bool) {
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func TestNormalizeDimensionRow(t *testing.T) {
	n := NewDimension("customers", "customer", customerMapping(), "updated_at")

	rows, rejects, err := n.Normalize(seq(map[string]interface{}{
		"id":      "C-1",
		"name":    "  Ada Lovelace  ",
		"email":   "Ada@Example.COM",
		"age":     "36",
		"active":  "true",
		"updated": "2024-03-01T10:00:00Z",
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rejects) != 0 {
		t.Fatalf("unexpected rejects: %+v", rejects)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	row := rows[0]
	if got := row.NaturalKey.Encode(); got != "customer_id=C-1" {
		t.Errorf("natural key = %q, want customer_id=C-1", got)
	}
	if row.Attributes["customer_name"] != "Ada Lovelace" {
		t.Errorf("name not trimmed: %q", row.Attributes["customer_name"])
	}
	if row.Attributes["email"] != "ada@example.com" {
		t.Errorf("email not case-folded: %q", row.Attributes["email"])
	}
	if row.Attributes["age"] != float64(36) {
		t.Errorf("age = %v (%T), want float64(36)", row.Attributes["age"], row.Attributes["age"])
	}
	if row.Attributes["active"] != true {
		t.Errorf("active = %v, want true", row.Attributes["active"])
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !row.SourceTimestamp.Equal(want) {
		t.Errorf("SourceTimestamp = %v, want %v", row.SourceTimestamp, want)
	}
}

func TestMissingNaturalKeyIsRejectedNotDropped(t *testing.T) {
	n := NewDimension("customers", "customer", customerMapping(), "")

	rows, rejects, err := n.Normalize(seq(
		map[string]interface{}{"name": "No Key"},
		map[string]interface{}{"id": "C-2", "name": "Has Key"},
	))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (valid row must survive)", len(rows))
	}
	if len(rejects) != 1 {
		t.Fatalf("got %d rejects, want 1", len(rejects))
	}
	if rejects[0].Reason != "VALIDATION" {
		t.Errorf("reject reason = %q, want VALIDATION", rejects[0].Reason)
	}
	if rejects[0].Row["name"] != "No Key" {
		t.Error("reject must carry the original row")
	}
}

func TestLossyCoercionsAreRejected(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]interface{}
	}{
		{"non-numeric int", map[string]interface{}{"id": "C-1", "age": "not-a-number"}},
		{"fractional into int", map[string]interface{}{"id": "C-1", "age": 36.5}},
		{"garbage bool", map[string]interface{}{"id": "C-1", "active": "maybe"}},
		{"garbage time", map[string]interface{}{"id": "C-1", "updated": "yesterday"}},
	}

	n := NewDimension("customers", "customer", customerMapping(), "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, rejects, err := n.Normalize(seq(tt.raw))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if len(rows) != 0 || len(rejects) != 1 {
				t.Fatalf("rows=%d rejects=%d, want 0/1", len(rows), len(rejects))
			}
		})
	}
}

func TestIntegralFloatIntoIntIsAccepted(t *testing.T) {
	// JSON numbers arrive as float64; 36.0 into an int field is not lossy.
	n := NewDimension("customers", "customer", customerMapping(), "")
	rows, rejects, err := n.Normalize(seq(map[string]interface{}{"id": "C-1", "age": float64(36)}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rejects) != 0 || len(rows) != 1 {
		t.Fatalf("rows=%d rejects=%d, want 1/0", len(rows), len(rejects))
	}
	if rows[0].Attributes["age"] != float64(36) {
		t.Errorf("age = %v, want 36", rows[0].Attributes["age"])
	}
}

func TestNormalizeFactRow(t *testing.T) {
	factCfg := &config.FactConfig{
		Dimensions: map[string]string{"customer_id": "customer"},
		Measures:   []string{"quantity", "unit_price"},
		Derived: []config.DerivedMeasure{
			{Name: "total_amount", Op: "multiply", Left: "quantity", Right: "unit_price"},
		},
	}
	n := NewFact("orders", "orders", orderMapping(), factCfg,
		map[string]string{"customer": "customer_id"}, "order_date")

	rows, rejects, err := n.Normalize(seq(map[string]interface{}{
		"order_id": "ORD-1",
		"customer": "C-1",
		"qty":      "3",
		"price":    "19.5",
		"date":     "2024-03-02",
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rejects) != 0 {
		t.Fatalf("unexpected rejects: %+v", rejects)
	}

	row := rows[0]
	ref, ok := row.Refs["customer"]
	if !ok {
		t.Fatal("expected customer ref")
	}
	if ref.Encode() != "customer_id=C-1" {
		t.Errorf("ref = %q, want customer_id=C-1", ref.Encode())
	}
	if row.Measures["quantity"] != 3 {
		t.Errorf("quantity = %v, want 3", row.Measures["quantity"])
	}
	if row.Measures["total_amount"] != 58.5 {
		t.Errorf("total_amount = %v, want 58.5", row.Measures["total_amount"])
	}
}

func TestFactRowMissingDimensionRefIsRejected(t *testing.T) {
	factCfg := &config.FactConfig{
		Dimensions: map[string]string{"customer_id": "customer"},
	}
	n := NewFact("orders", "orders", orderMapping(), factCfg,
		map[string]string{"customer": "customer_id"}, "")

	rows, rejects, err := n.Normalize(seq(map[string]interface{}{
		"order_id": "ORD-2",
		"qty":      "1",
		"price":    "5",
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rows) != 0 || len(rejects) != 1 {
		t.Fatalf("rows=%d rejects=%d, want 0/1", len(rows), len(rejects))
	}
}

func TestWatermarkRequiredWhenConfigured(t *testing.T) {
	n := NewDimension("customers", "customer", customerMapping(), "updated_at")
	rows, rejects, err := n.Normalize(seq(map[string]interface{}{"id": "C-9"}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rows) != 0 || len(rejects) != 1 {
		t.Fatalf("rows=%d rejects=%d, want 0/1 (missing watermark)", len(rows), len(rejects))
	}
}
