// Package measurements stores client body measurements and validates the
// payloads that create or change them.
package measurements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrMeasurementNotFound = errors.New("measurements: measurement not found")
	errMissingDatabase     = errors.New("database handle is required")
	errMissingIDProvider   = errors.New("id provider is required")
	errMissingClients      = errors.New("client directory is required")
)

const (
	opServiceNew = "measurements.service.new"
	opCreate     = "measurements.create"
	opGet        = "measurements.get"
	opList       = "measurements.list"
	opUpdate     = "measurements.update"
	opDelete     = "measurements.delete"
)

// ClientDirectory resolves clients with ownership checks.
type ClientDirectory interface {
	Get(ctx context.Context, actor authz.Actor, clientID string) (clients.Client, error)
}

// ServiceConfig describes the dependencies of the measurement service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clients    ClientDirectory
	Clock      func() time.Time
	Logger     *zap.Logger
	Audit      audit.Recorder
}

// Service performs designer-side measurement CRUD.
type Service struct {
	db         *gorm.DB
	idProvider ids.Provider
	clients    ClientDirectory
	now        func() time.Time
	logger     *zap.Logger
	audit      audit.Recorder
}

// NewService constructs the measurement service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerror.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Clients == nil {
		return nil, serviceerror.New(opServiceNew, "missing_clients", errMissingClients)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := cfg.Audit
	if recorder == nil {
		recorder = audit.Discard{}
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		clients:    cfg.Clients,
		now:        clock,
		logger:     logger,
		audit:      recorder,
	}, nil
}

// ListForClient returns a client's measurements, newest first.
func (s *Service) ListForClient(ctx context.Context, actor authz.Actor, clientID string) ([]Measurement, error) {
	if _, err := s.clients.Get(ctx, actor, clientID); err != nil {
		return nil, err
	}
	var records []Measurement
	if err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("created_at DESC, id DESC").
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("client_id", clientID))
		return nil, serviceerror.New(opList, "query_failed", err)
	}
	return records, nil
}

// Create records a new measurement for the client, attributed to the actor.
func (s *Service) Create(ctx context.Context, actor authz.Actor, clientID string, payload Payload) (Measurement, error) {
	client, err := s.clients.Get(ctx, actor, clientID)
	if err != nil {
		return Measurement{}, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Measurement{}, serviceerror.New(opCreate, "id_generation_failed", err)
	}
	now := s.now().UTC()
	record := Measurement{
		ID:        id,
		ClientID:  client.ID,
		CreatedBy: actor.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	record.Apply(payload)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("client_id", clientID))
		return Measurement{}, serviceerror.New(opCreate, "insert_failed", err)
	}
	return record, nil
}

// Get returns a measurement whose client the actor may access.
func (s *Service) Get(ctx context.Context, actor authz.Actor, measurementID string) (Measurement, error) {
	var record Measurement
	err := s.db.WithContext(ctx).Where("id = ?", measurementID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Measurement{}, ErrMeasurementNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("measurement_id", measurementID))
		return Measurement{}, serviceerror.New(opGet, "query_failed", err)
	}
	if _, err := s.clients.Get(ctx, actor, record.ClientID); err != nil {
		if errors.Is(err, clients.ErrClientNotFound) {
			return Measurement{}, ErrMeasurementNotFound
		}
		return Measurement{}, err
	}
	return record, nil
}

// Update merges payload into a stored measurement.
func (s *Service) Update(ctx context.Context, actor authz.Actor, measurementID string, payload Payload) (Measurement, error) {
	record, err := s.Get(ctx, actor, measurementID)
	if err != nil {
		return Measurement{}, err
	}
	record.Apply(payload)
	record.UpdatedAt = s.now().UTC()
	if err := SaveExisting(ctx, s.db, &record); err != nil {
		if errors.Is(err, ErrMeasurementNotFound) {
			return Measurement{}, err
		}
		s.logError(opUpdate, "save_failed", err, zap.String("measurement_id", measurementID))
		return Measurement{}, serviceerror.New(opUpdate, "save_failed", err)
	}
	return record, nil
}

// SaveExisting writes every column of record onto its stored row. Unlike
// gorm's Save it never inserts: a row deleted since it was read yields
// ErrMeasurementNotFound.
func SaveExisting(ctx context.Context, db *gorm.DB, record *Measurement) error {
	result := db.WithContext(ctx).Model(record).Where("id = ?", record.ID).Select("*").Updates(record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMeasurementNotFound
	}
	return nil
}

// Delete removes a measurement. A used share link that referenced it becomes
// inert.
func (s *Service) Delete(ctx context.Context, actor authz.Actor, measurementID string, request audit.RequestContext) error {
	record, err := s.Get(ctx, actor, measurementID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&Measurement{}, "id = ?", record.ID).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("measurement_id", measurementID))
		return serviceerror.New(opDelete, "delete_failed", fmt.Errorf("delete measurement %s: %w", record.ID, err))
	}
	s.audit.Record(ctx, audit.Entry{
		Action:    audit.ActionMeasurementDeleted,
		ActorID:   actor.UserID,
		SubjectID: record.ID,
		Detail:    "client " + record.ClientID,
	}, request)
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("measurements service error", attrs...)
}
