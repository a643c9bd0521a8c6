// Package audit records who did what to which record, with the network
// metadata of the request that caused it.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Actions recorded by the services.
const (
	ActionLinkCreated        = "share_link.created"
	ActionMeasurementSubmit  = "share_link.measurement_submitted"
	ActionMeasurementUpdate  = "share_link.measurement_updated"
	ActionClientDeleted      = "client.deleted"
	ActionMeasurementDeleted = "measurement.deleted"
)

// RequestContext carries optional request metadata. The zero value is valid
// and records an entry without network details.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

// Entry is one audit row.
type Entry struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	Action    string    `gorm:"column:action;size:64;not null;index"`
	ActorID   string    `gorm:"column:actor_id;size:64;not null;default:''"`
	SubjectID string    `gorm:"column:subject_id;size:64;not null;index"`
	IPAddress string    `gorm:"column:ip_address;size:64;not null;default:''"`
	UserAgent string    `gorm:"column:user_agent;size:512;not null;default:''"`
	Detail    string    `gorm:"column:detail;size:1024;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing audit entries.
func (Entry) TableName() string {
	return "audit_entries"
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry, request RequestContext)
}

// RecorderConfig describes the dependencies of the database recorder.
type RecorderConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// DatabaseRecorder writes entries through gorm. Failures are logged and never
// surface to the caller.
type DatabaseRecorder struct {
	db         *gorm.DB
	idProvider ids.Provider
	now        func() time.Time
	logger     *zap.Logger
}

// NewDatabaseRecorder validates dependencies and builds a recorder.
func NewDatabaseRecorder(cfg RecorderConfig) (*DatabaseRecorder, error) {
	if cfg.Database == nil {
		return nil, errors.New("audit: database handle is required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseRecorder{db: cfg.Database, idProvider: idProvider, now: clock, logger: logger}, nil
}

// Record stores the entry with the request metadata attached.
func (r *DatabaseRecorder) Record(ctx context.Context, entry Entry, request RequestContext) {
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Warn("audit id generation failed", zap.String("action", entry.Action), zap.Error(err))
		return
	}
	entry.ID = id
	entry.IPAddress = request.IPAddress
	entry.UserAgent = truncate(request.UserAgent, 512)
	entry.Detail = truncate(entry.Detail, 1024)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logger.Warn("audit entry not recorded",
			zap.String("action", entry.Action),
			zap.String("subject_id", entry.SubjectID),
			zap.Error(err),
		)
	}
}

// List returns the newest entries for a subject.
func (r *DatabaseRecorder) List(ctx context.Context, subjectID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry, RequestContext) {}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
