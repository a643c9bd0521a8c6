// Package clients manages the clients owned by each designer.
package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/validation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrClientNotFound    = errors.New("clients: client not found")
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew = "clients.service.new"
	opCreate     = "clients.create"
	opGet        = "clients.get"
	opList       = "clients.list"
	opUpdate     = "clients.update"
	opDelete     = "clients.delete"
)

// dependentTables are emptied of a client's rows when the client is deleted.
var dependentTables = []string{"share_links", "measurements"}

// ServiceConfig describes the dependencies of the client service.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
	Audit      audit.Recorder
}

// Service performs ownership-checked client CRUD.
type Service struct {
	db         *gorm.DB
	idProvider ids.Provider
	now        func() time.Time
	logger     *zap.Logger
	audit      audit.Recorder
}

// NewService constructs the client service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, serviceerror.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		now:        clock,
		logger:     logger,
		audit:      recorder,
	}, nil
}

// Create stores a new client owned by the actor. Admins may assign another
// designer through input.DesignerID.
func (s *Service) Create(ctx context.Context, actor authz.Actor, input Input) (Client, error) {
	input = trimInput(input)
	if err := validation.ValidateStruct(&input); err != nil {
		return Client{}, err
	}

	designerID := actor.UserID
	if input.DesignerID != "" && input.DesignerID != actor.UserID {
		if !actor.IsAdmin() {
			return Client{}, fmt.Errorf("%w: cannot create clients for another designer", authz.ErrForbidden)
		}
		designerID = input.DesignerID
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Client{}, serviceerror.New(opCreate, "id_generation_failed", err)
	}
	now := s.now().UTC()
	client := Client{
		ID:         id,
		DesignerID: designerID,
		Name:       input.Name,
		Email:      strings.ToLower(input.Email),
		Phone:      input.Phone,
		Gender:     input.Gender,
		Notes:      input.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&client).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("designer_id", designerID))
		return Client{}, serviceerror.New(opCreate, "insert_failed", err)
	}
	return client, nil
}

// Get returns a client the actor may access.
func (s *Service) Get(ctx context.Context, actor authz.Actor, clientID string) (Client, error) {
	client, err := s.Load(ctx, clientID)
	if err != nil {
		return Client{}, err
	}
	if !actor.CanAccessDesignerResource(client.DesignerID) {
		return Client{}, fmt.Errorf("%w: client %s", authz.ErrForbidden, clientID)
	}
	return client, nil
}

// Load returns a client without ownership checks.
func (s *Service) Load(ctx context.Context, clientID string) (Client, error) {
	var client Client
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(clientID)).Take(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Client{}, ErrClientNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("client_id", clientID))
		return Client{}, serviceerror.New(opGet, "query_failed", err)
	}
	return client, nil
}

// List returns the actor's clients matching the query and the total match count.
func (s *Service) List(ctx context.Context, actor authz.Actor, query ListQuery) ([]Client, int64, error) {
	query = query.normalized()
	scope := s.db.WithContext(ctx).Model(&Client{})
	if !actor.IsAdmin() {
		scope = scope.Where("designer_id = ?", actor.UserID)
	}
	if search := strings.ToLower(strings.TrimSpace(query.Search)); search != "" {
		pattern := "%" + search + "%"
		scope = scope.Where("LOWER(name) LIKE ? OR LOWER(email) LIKE ? OR phone LIKE ?", pattern, pattern, pattern)
	}

	var total int64
	if err := scope.Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return nil, 0, serviceerror.New(opList, "count_failed", err)
	}
	var clients []Client
	if err := scope.Order("name ASC, id ASC").Limit(query.Limit).Offset(query.Offset).Find(&clients).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, 0, serviceerror.New(opList, "query_failed", err)
	}
	return clients, total, nil
}

// Update replaces the writable fields of a client.
func (s *Service) Update(ctx context.Context, actor authz.Actor, clientID string, input Input) (Client, error) {
	input = trimInput(input)
	if err := validation.ValidateStruct(&input); err != nil {
		return Client{}, err
	}
	client, err := s.Get(ctx, actor, clientID)
	if err != nil {
		return Client{}, err
	}

	client.Name = input.Name
	client.Email = strings.ToLower(input.Email)
	client.Phone = input.Phone
	client.Gender = input.Gender
	client.Notes = input.Notes
	client.UpdatedAt = s.now().UTC()
	if err := s.db.WithContext(ctx).Save(&client).Error; err != nil {
		s.logError(opUpdate, "save_failed", err, zap.String("client_id", clientID))
		return Client{}, serviceerror.New(opUpdate, "save_failed", err)
	}
	return client, nil
}

// Delete removes a client together with its measurements and share links.
func (s *Service) Delete(ctx context.Context, actor authz.Actor, clientID string, request audit.RequestContext) error {
	client, err := s.Get(ctx, actor, clientID)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range dependentTables {
			if err := tx.Exec("DELETE FROM "+table+" WHERE client_id = ?", client.ID).Error; err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		return tx.Delete(&Client{}, "id = ?", client.ID).Error
	})
	if err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("client_id", clientID))
		return serviceerror.New(opDelete, "delete_failed", err)
	}
	s.audit.Record(ctx, audit.Entry{
		Action:    audit.ActionClientDeleted,
		ActorID:   actor.UserID,
		SubjectID: client.ID,
		Detail:    client.Name,
	}, request)
	return nil
}

func trimInput(input Input) Input {
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	input.Phone = strings.TrimSpace(input.Phone)
	input.Gender = strings.ToLower(strings.TrimSpace(input.Gender))
	input.Notes = strings.TrimSpace(input.Notes)
	input.DesignerID = strings.TrimSpace(input.DesignerID)
	return input
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
	s.logger.Error("clients service error", attrs...)
}
