package warehouse

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dimetl/internal/config"
	"dimetl/internal/logging"
	"dimetl/internal/model"
)

func setupTestDB(t *testing.T) (*DB, string) {
	// Create temporary directory for test database
	tmpDir, err := os.MkdirTemp("", "dimetl-warehouse-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := Open(filepath.Join(tmpDir, "warehouse.db"), logging.Discard())
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	return db, tmpDir
}

func teardownTestDB(t *testing.T, db *DB, tmpDir string) {
	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
	if err := os.RemoveAll(tmpDir); err != nil {
		t.Errorf("Failed to remove temp dir: %v", err)
	}
}

func testWriter(db *DB) *Writer {
	return NewWriter(db, logging.Discard(), config.RetryConfig{MaxAttempts: 1})
}

func dimRecord(entity, naturalKey, sk string, version int, effFrom int64, current bool) model.DimensionRecord {
	return model.DimensionRecord{
		SurrogateKey:  sk,
		Entity:        entity,
		NaturalKey:    naturalKey,
		Attributes:    map[string]interface{}{"name": sk},
		EffectiveFrom: effFrom,
		IsCurrent:     current,
		Version:       version,
	}
}

func commitMutations(t *testing.T, db *DB, batchID, source string, set *model.MutationSet, watermark *time.Time) {
	t.Helper()
	now := time.Now()
	err := testWriter(db).CommitBatch(context.Background(), BatchCommit{
		BatchID:   batchID,
		Source:    source,
		Mutations: set,
		Watermark: watermark,
		Run: RunRecord{
			BatchID:    batchID,
			Source:     source,
			Status:     model.BatchSuccess,
			StartedAt:  now,
			FinishedAt: now,
		},
	})
	if err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}
}

func TestDatabaseInitialization(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	defer teardownTestDB(t, db, tmpDir)

	if _, err := os.Stat(db.Path()); os.IsNotExist(err) {
		t.Fatalf("Database file was not created at %s", db.Path())
	}

	version, err := db.getSchemaVersion()
	if err != nil {
		t.Fatalf("Failed to get schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("Expected schema version %d, got %d", currentSchemaVersion, version)
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	path := db.Path()

	commitMutations(t, db, "batch-1", "customers", &model.MutationSet{
		Entity:  "customer",
		Inserts: []model.DimensionRecord{dimRecord("customer", "customer_id=C-1", "sk-1", 1, 1000, true)},
	}, nil)

	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}

	reopened, err := Open(path, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer teardownTestDB(t, reopened, tmpDir)

	snap, err := reopened.ActiveSnapshot("customer")
	if err != nil {
		t.Fatalf("ActiveSnapshot failed: %v", err)
	}
	if len(snap) != 1 {
		t.Errorf("Expected 1 record after reopen, got %d", len(snap))
	}
}

func TestActiveSnapshotOnlyCurrentRecords(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	defer teardownTestDB(t, db, tmpDir)

	commitMutations(t, db, "batch-1", "customers", &model.MutationSet{
		Entity: "customer",
		Inserts: []model.DimensionRecord{
			dimRecord("customer", "customer_id=C-1", "sk-1", 1, 1000, true),
		},
	}, nil)

	commitMutations(t, db, "batch-2", "customers", &model.MutationSet{
		Entity: "customer",
		Closes: []model.Close{{SurrogateKey: "sk-1", EffectiveTo: 1999}},
		Inserts: []model.DimensionRecord{
			dimRecord("customer", "customer_id=C-1", "sk-2", 2, 2000, true),
		},
	}, nil)

	snap, err := db.ActiveSnapshot("customer")
	if err != nil {
		t.Fatalf("ActiveSnapshot failed: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("Expected 1 current record, got %d", len(snap))
	}
	if snap["customer_id=C-1"].SurrogateKey != "sk-2" {
		t.Errorf("Current record = %q, want sk-2", snap["customer_id=C-1"].SurrogateKey)
	}
}

func TestRetiredSnapshotReturnsLatestClosedVersion(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	defer teardownTestDB(t, db, tmpDir)

	// C-1 is versioned twice and then closed without a successor; C-2 stays
	// current throughout.
	commitMutations(t, db, "batch-1", "customers", &model.MutationSet{
		Entity: "customer",
		Inserts: []model.DimensionRecord{
			dimRecord("customer", "customer_id=C-1", "sk-1", 1, 1000, true),
			dimRecord("customer", "customer_id=C-2", "sk-2", 1, 1000, true),
		},
	}, nil)
	commitMutations(t, db, "batch-2", "customers", &model.MutationSet{
		Entity:  "customer",
		Closes:  []model.Close{{SurrogateKey: "sk-1", EffectiveTo: 1999}},
		Inserts: []model.DimensionRecord{dimRecord("customer", "customer_id=C-1", "sk-1b", 2, 2000, true)},
	}, nil)
	commitMutations(t, db, "batch-3", "customers", &model.MutationSet{
		Entity: "customer",
		Closes: []model.Close{{SurrogateKey: "sk-1b", EffectiveTo: 2999}},
	}, nil)

	retired, err := db.RetiredSnapshot("customer")
	if err != nil {
		t.Fatalf("RetiredSnapshot failed: %v", err)
	}
	if len(retired) != 1 {
		t.Fatalf("Expected 1 retired key, got %d", len(retired))
	}

	rec, ok := retired["customer_id=C-1"]
	if !ok {
		t.Fatalf("C-1 missing from retired snapshot: %+v", retired)
	}
	if rec.SurrogateKey != "sk-1b" || rec.Version != 2 {
		t.Errorf("Retired record = %+v, want sk-1b at version 2", rec)
	}
	if rec.EffectiveTo != 2999 {
		t.Errorf("EffectiveTo = %d, want 2999", rec.EffectiveTo)
	}
}

func TestVersionHistoryIsContiguous(t *testing.T) {
	db, tmpDir := setupTestDB(t)
	defer teardownTestDB(t, db, tmpDir)

	commitMutations(t, db, "batch-1", "customers", &model.MutationSet{
		Entity:  "customer",
		Inserts: []model.DimensionRecord{dimRecord("customer", "customer_id=C-1", "sk-1", 1, 1000, true)},
	}, nil)
	commitMutations(t, db, "batch-2", "customers", &model.MutationSet{
		Entity:  "customer",
		Closes:  []model.Close{{SurrogateKey: "sk-1", EffectiveTo: 4999}},
		Inserts: []model.DimensionRecord{dimRecord("customer", "customer_id=C-1", "sk-2", 2, 5000, true)},
	}, nil)
	commitMutations(t, db, "batch-3", "customers", &model.MutationSet{
		Entity:  "customer",
		Closes:  []model.Close{{SurrogateKey: "sk-2", EffectiveTo: 8999}},
		Inserts: []model.DimensionRecord{dimRecord("customer", "customer_id=C-1", "sk-3", 3, 9000, true)},
	}, nil)

	history, err := db.VersionHistory("customer", "customer_id=C-1")
	if err != nil {
		t.Fatalf("VersionHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 versions, got %d", len(history))
	}

	currentCount := 0
	for i, rec := range history {
		if rec.Version != i+1 {
			t.Errorf("Version at %d = %d, want %d", i, rec.Version, i+1)
		}
		if rec.IsCurrent {
			currentCount++
		}
		if i > 0 {
			prev := history[i-1]
			if prev.EffectiveTo+1 != rec.EffectiveFrom {
				t.Errorf("Gap between versions %d and %d: effective_to=%d, next effective_from=%d",
					prev.Version, rec.Version, prev.EffectiveTo, rec.EffectiveFrom)
			}
		}
	}
	if currentCount != 1 {
		t.Errorf("Expected exactly 1 current version, got %d", currentCount)
	}
	if history[2].EffectiveTo != 0 {
		t.Errorf("Latest version must be open, got effective_to=%d", history[2].EffectiveTo)
	}
}
