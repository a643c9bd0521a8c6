package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/ids"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func openAuditDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "audit.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate audit schema: %v", err)
	}
	return db
}

func TestRecorderStoresRequestContext(t *testing.T) {
	db := openAuditDatabase(t)
	recorder, err := NewDatabaseRecorder(RecorderConfig{
		Database:   db,
		IDProvider: &ids.Sequence{Prefix: "audit-"},
		Clock: func() time.Time {
			return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("failed to build recorder: %v", err)
	}

	recorder.Record(context.Background(), Entry{
		Action:    ActionMeasurementSubmit,
		SubjectID: "link-1",
		Detail:    strings.Repeat("x", 2000),
	}, RequestContext{IPAddress: "203.0.113.9", UserAgent: "curl/8"})
	recorder.Record(context.Background(), Entry{Action: ActionMeasurementUpdate, SubjectID: "link-1"}, RequestContext{})

	entries, err := recorder.List(context.Background(), "link-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	var submitted Entry
	for _, entry := range entries {
		if entry.Action == ActionMeasurementSubmit {
			submitted = entry
		}
	}
	if submitted.IPAddress != "203.0.113.9" || submitted.UserAgent != "curl/8" {
		t.Fatalf("expected request metadata, got %+v", submitted)
	}
	if len(submitted.Detail) != 1024 {
		t.Fatalf("expected detail truncated to 1024, got %d", len(submitted.Detail))
	}
}

func TestRecorderSwallowsStorageFailures(t *testing.T) {
	db := openAuditDatabase(t)
	if err := db.Migrator().DropTable(&Entry{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}
	core, recorded := observer.New(zap.WarnLevel)
	recorder, err := NewDatabaseRecorder(RecorderConfig{Database: db, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to build recorder: %v", err)
	}

	recorder.Record(context.Background(), Entry{Action: ActionClientDeleted, SubjectID: "c-1"}, RequestContext{})

	if recorded.FilterMessage("audit entry not recorded").Len() != 1 {
		t.Fatalf("expected a warning for the failed write")
	}
}
