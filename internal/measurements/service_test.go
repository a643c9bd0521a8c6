package measurements

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/ids"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	owner    = authz.Actor{UserID: "designer-1", Role: authz.RoleDesigner}
	stranger = authz.Actor{UserID: "designer-2", Role: authz.RoleDesigner}
)

type measurementFixture struct {
	service *Service
	client  clients.Client
	clock   *time.Time
}

func newMeasurementFixture(t *testing.T) measurementFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "measurements.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&clients.Client{}, &Measurement{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	clientService, err := clients.NewService(clients.ServiceConfig{
		Database:   db,
		IDProvider: &ids.Sequence{Prefix: "client-"},
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to build client service: %v", err)
	}
	client, err := clientService.Create(context.Background(), owner, clients.Input{Name: "Measured"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &ids.Sequence{Prefix: "measurement-"},
		Clients:    clientService,
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build measurement service: %v", err)
	}
	return measurementFixture{service: service, client: client, clock: &now}
}

func mustParse(t *testing.T, body string) Payload {
	t.Helper()
	payload, err := ParsePayload([]byte(body))
	if err != nil {
		t.Fatalf("parse %s failed: %v", body, err)
	}
	return payload
}

func TestNewServiceRequiresClients(t *testing.T) {
	fixture := newMeasurementFixture(t)
	if _, err := NewService(ServiceConfig{Database: fixture.service.db, IDProvider: &ids.Sequence{}}); err == nil {
		t.Fatalf("expected missing client directory error")
	}
}

func TestCreateGetAndList(t *testing.T) {
	fixture := newMeasurementFixture(t)
	ctx := context.Background()

	created, err := fixture.service.Create(ctx, owner, fixture.client.ID, mustParse(t, `{"chest": 36, "notes": "first"}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.CreatedBy != owner.UserID || created.ClientID != fixture.client.ID {
		t.Fatalf("unexpected attribution %+v", created)
	}

	*fixture.clock = fixture.clock.Add(time.Hour)
	if _, err := fixture.service.Create(ctx, owner, fixture.client.ID, mustParse(t, `{"chest": 37}`)); err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	records, err := fixture.service.ListForClient(ctx, owner, fixture.client.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(records))
	}
	if value, _ := records[0].Value(FieldChest); value != 37 {
		t.Fatalf("expected newest first, got chest %v", value)
	}

	loaded, err := fixture.service.Get(ctx, owner, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.Notes != "first" {
		t.Fatalf("expected stored notes, got %q", loaded.Notes)
	}
}

func TestStrangersCannotReachMeasurements(t *testing.T) {
	fixture := newMeasurementFixture(t)
	ctx := context.Background()
	created, err := fixture.service.Create(ctx, owner, fixture.client.ID, mustParse(t, `{"neck": 15}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := fixture.service.Create(ctx, stranger, fixture.client.ID, mustParse(t, `{"neck": 15}`)); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("expected forbidden create, got %v", err)
	}
	if _, err := fixture.service.Get(ctx, stranger, created.ID); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("expected forbidden get, got %v", err)
	}
	if _, err := fixture.service.Get(ctx, owner, "missing"); !errors.Is(err, ErrMeasurementNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	fixture := newMeasurementFixture(t)
	ctx := context.Background()
	created, err := fixture.service.Create(ctx, owner, fixture.client.ID, mustParse(t, `{"waistStatic": 28}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	*fixture.clock = fixture.clock.Add(30 * time.Minute)
	updated, err := fixture.service.Update(ctx, owner, created.ID, mustParse(t, `{"waistStatic": 29, "hips": 40}`))
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if value, _ := updated.Value(FieldWaistStatic); value != 29 {
		t.Fatalf("expected waistStatic 29, got %v", value)
	}
	if !updated.UpdatedAt.After(updated.CreatedAt) {
		t.Fatalf("expected updated timestamp to advance")
	}

	if err := fixture.service.Delete(ctx, owner, created.ID, audit.RequestContext{}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := fixture.service.Get(ctx, owner, created.ID); !errors.Is(err, ErrMeasurementNotFound) {
		t.Fatalf("expected deleted measurement to be gone, got %v", err)
	}
}

func TestSaveExistingDoesNotRecreateDeletedRows(t *testing.T) {
	fixture := newMeasurementFixture(t)
	ctx := context.Background()
	created, err := fixture.service.Create(ctx, owner, fixture.client.ID, mustParse(t, `{"chest": 36, "notes": "first"}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	created.Apply(mustParse(t, `{"chest": 37, "notes": "second"}`))
	if err := SaveExisting(ctx, fixture.service.db, &created); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	stored, err := fixture.service.Get(ctx, owner, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if value, _ := stored.Value(FieldChest); value != 37 || stored.Notes != "second" {
		t.Fatalf("expected saved values, got %+v", stored)
	}

	if err := fixture.service.db.Delete(&Measurement{}, "id = ?", created.ID).Error; err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := SaveExisting(ctx, fixture.service.db, &created); !errors.Is(err, ErrMeasurementNotFound) {
		t.Fatalf("expected ErrMeasurementNotFound, got %v", err)
	}
	var count int64
	if err := fixture.service.db.Model(&Measurement{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected the deleted measurement to stay deleted, found %d rows", count)
	}
}
