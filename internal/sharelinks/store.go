package sharelinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/users"
	"gorm.io/gorm"
)

// Store is the persistence the manager needs.
type Store interface {
	CreateLink(ctx context.Context, link *ShareLink) error
	FindByToken(ctx context.Context, token string) (ShareLink, error)
	ListForClient(ctx context.Context, clientID string) ([]ShareLink, error)
	LoadParticipants(ctx context.Context, link ShareLink) (Participants, error)
	FindMeasurement(ctx context.Context, measurementID string) (measurements.Measurement, error)
	CreateMeasurement(ctx context.Context, measurement *measurements.Measurement) error
	// SaveMeasurement updates an existing measurement and reports
	// measurements.ErrMeasurementNotFound when the row is gone.
	SaveMeasurement(ctx context.Context, measurement *measurements.Measurement) error
	DeleteMeasurement(ctx context.Context, measurementID string) error
	// MarkUsed sets measurement id and update window only while the link is
	// still unused, and reports whether this call made the transition.
	MarkUsed(ctx context.Context, linkID, measurementID string, windowEnd time.Time) (bool, error)
	CountByState(ctx context.Context, now time.Time) (map[string]int64, error)
}

// GormStore implements Store on the shared gorm handle.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateLink(ctx context.Context, link *ShareLink) error {
	return s.db.WithContext(ctx).Create(link).Error
}

func (s *GormStore) FindByToken(ctx context.Context, token string) (ShareLink, error) {
	var link ShareLink
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ShareLink{}, ErrLinkNotFound
	}
	return link, err
}

func (s *GormStore) ListForClient(ctx context.Context, clientID string) ([]ShareLink, error) {
	var links []ShareLink
	err := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("created_at DESC, id DESC").
		Find(&links).Error
	return links, err
}

func (s *GormStore) LoadParticipants(ctx context.Context, link ShareLink) (Participants, error) {
	var client clients.Client
	if err := s.db.WithContext(ctx).Where("id = ?", link.ClientID).Take(&client).Error; err != nil {
		return Participants{}, fmt.Errorf("load client %s: %w", link.ClientID, err)
	}
	var designer users.User
	if err := s.db.WithContext(ctx).Where("id = ?", link.DesignerID).Take(&designer).Error; err != nil {
		return Participants{}, fmt.Errorf("load designer %s: %w", link.DesignerID, err)
	}
	designerName := designer.DisplayName
	if designerName == "" {
		designerName = designer.Email
	}
	unit := string(designer.MeasurementUnit)
	if unit == "" {
		unit = string(users.UnitInches)
	}
	return Participants{
		ClientName:      client.Name,
		ClientPhone:     client.Phone,
		DesignerName:    designerName,
		DesignerEmail:   designer.Email,
		MeasurementUnit: unit,
	}, nil
}

func (s *GormStore) FindMeasurement(ctx context.Context, measurementID string) (measurements.Measurement, error) {
	var record measurements.Measurement
	err := s.db.WithContext(ctx).Where("id = ?", measurementID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return measurements.Measurement{}, measurements.ErrMeasurementNotFound
	}
	return record, err
}

func (s *GormStore) CreateMeasurement(ctx context.Context, measurement *measurements.Measurement) error {
	return s.db.WithContext(ctx).Create(measurement).Error
}

func (s *GormStore) SaveMeasurement(ctx context.Context, measurement *measurements.Measurement) error {
	return measurements.SaveExisting(ctx, s.db, measurement)
}

func (s *GormStore) DeleteMeasurement(ctx context.Context, measurementID string) error {
	return s.db.WithContext(ctx).Delete(&measurements.Measurement{}, "id = ?", measurementID).Error
}

func (s *GormStore) MarkUsed(ctx context.Context, linkID, measurementID string, windowEnd time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&ShareLink{}).
		Where("id = ? AND measurement_id IS NULL", linkID).
		Updates(map[string]interface{}{
			"measurement_id":    measurementID,
			"update_window_end": windowEnd,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) CountByState(ctx context.Context, now time.Time) (map[string]int64, error) {
	counts := map[string]int64{StateUnused: 0, StateUsed: 0, StateExpired: 0}
	scopes := []struct {
		state string
		where string
	}{
		{StateUnused, "measurement_id IS NULL AND expires_at > ?"},
		{StateUsed, "measurement_id IS NOT NULL AND update_window_end > ?"},
		{StateExpired, "(measurement_id IS NULL AND expires_at <= ?) OR (measurement_id IS NOT NULL AND (update_window_end IS NULL OR update_window_end <= ?))"},
	}
	for _, scope := range scopes {
		args := []interface{}{now}
		if scope.state == StateExpired {
			args = append(args, now)
		}
		var count int64
		if err := s.db.WithContext(ctx).Model(&ShareLink{}).Where(scope.where, args...).Count(&count).Error; err != nil {
			return nil, err
		}
		counts[scope.state] = count
	}
	return counts, nil
}
