package device

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/device-manager/internal/infrastructure/database"
	_ "github.com/nerrad567/device-manager/migrations"
)

const testTenant = "acme"

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// setupTestDB opens a migrated in-memory database.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db
}

// setupStores returns a device store and a template store over one database.
func setupStores(t *testing.T) (*SQLiteStore, *SQLiteTemplateStore) {
	t.Helper()
	db := setupTestDB(t)
	return NewSQLiteStore(db.DB), NewSQLiteTemplateStore(db.DB)
}

// seedTemplates stores the fixture templates used across tests:
//
//	meter:  model (static string "x1"), relay (actuator bool), secret (static psk)
//	probe:  temperature (sensor float)
//	clash:  model (static string "x9"), relay (actuator bool)
func seedTemplates(t *testing.T, ts *SQLiteTemplateStore, tenantID string) {
	t.Helper()
	ctx := context.Background()
	templates := []*Template{
		{ID: "meter", Label: "Meter", Attrs: []Attribute{
			{Label: "model", Type: AttrStatic, ValueType: "string", StaticValue: ptr("x1")},
			{Label: "relay", Type: AttrActuator, ValueType: "bool"},
			{Label: "secret", Type: AttrStatic, ValueType: ValueTypePSK},
		}},
		{ID: "probe", Label: "Probe", Attrs: []Attribute{
			{Label: "temperature", Type: AttrSensor, ValueType: "float"},
		}},
		{ID: "clash", Label: "Clash", Attrs: []Attribute{
			{Label: "model", Type: AttrStatic, ValueType: "string", StaticValue: ptr("x9")},
			{Label: "relay", Type: AttrActuator, ValueType: "bool"},
		}},
	}
	for _, tpl := range templates {
		if err := ts.Save(ctx, tenantID, tpl); err != nil {
			t.Fatalf("Save(%s) error = %v", tpl.ID, err)
		}
	}
}

func ptr(s string) *string {
	return &s
}

func at(minutes int) time.Time {
	return time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
}
