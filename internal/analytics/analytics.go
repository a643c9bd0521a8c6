// Package analytics aggregates dashboard figures for designers and admins.
package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/sharelinks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCacheTTL = time.Minute
	monthsReported  = 12
	monthLayout     = "2006-01"
	cacheKeyPrefix  = "analytics:summary:"
	globalScope     = "all"
)

const (
	opServiceNew = "analytics.service.new"
	opSummary    = "analytics.summary"
)

var errMissingDatabase = errors.New("database handle is required")

// MonthCount is the number of measurements recorded in one calendar month.
type MonthCount struct {
	Month string `json:"month"`
	Count int64  `json:"count"`
}

// Summary is the dashboard payload.
type Summary struct {
	Clients             int64            `json:"clients"`
	Measurements        int64            `json:"measurements"`
	Links               map[string]int64 `json:"links"`
	MeasurementsByMonth []MonthCount     `json:"measurementsByMonth"`
	GeneratedAt         time.Time        `json:"generatedAt"`
}

// ServiceConfig describes the dependencies of the analytics service.
type ServiceConfig struct {
	Database *gorm.DB
	Cache    cache.Cache
	CacheTTL time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service computes summaries, caching each scope for CacheTTL.
type Service struct {
	db     *gorm.DB
	cache  cache.Cache
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the analytics service. Without a cache every call
// hits the database.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{db: cfg.Database, cache: cfg.Cache, ttl: ttl, now: clock, logger: logger}, nil
}

// Summary returns the actor's figures: their own clients for a designer,
// everything for an admin.
func (s *Service) Summary(ctx context.Context, actor authz.Actor) (Summary, error) {
	scope := actor.UserID
	if actor.IsAdmin() {
		scope = globalScope
	}
	key := cacheKeyPrefix + scope

	if s.cache != nil {
		var cached Summary
		err := cache.GetJSON(ctx, s.cache, key, &cached)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("analytics cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	summary, err := s.compute(ctx, actor)
	if err != nil {
		s.logger.Error("analytics service error",
			zap.String("operation", opSummary),
			zap.String("reason", "query_failed"),
			zap.Error(err),
		)
		return Summary{}, serviceerror.New(opSummary, "query_failed", err)
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, summary, s.ttl); err != nil {
			s.logger.Warn("analytics cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return summary, nil
}

// Invalidate drops the cached summaries of the given designers along with the
// global one.
func (s *Service) Invalidate(ctx context.Context, designerIDs ...string) {
	if s.cache == nil {
		return
	}
	keys := []string{cacheKeyPrefix + globalScope}
	for _, designerID := range designerIDs {
		if designerID != "" {
			keys = append(keys, cacheKeyPrefix+designerID)
		}
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("analytics cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// PublishLinkEvent invalidates the summaries a share-link submission changed.
func (s *Service) PublishLinkEvent(event sharelinks.Event) {
	s.Invalidate(context.Background(), event.DesignerID)
}

func (s *Service) compute(ctx context.Context, actor authz.Actor) (Summary, error) {
	now := s.now().UTC()
	db := s.db.WithContext(ctx)
	summary := Summary{GeneratedAt: now}

	clientQuery := db.Model(&clients.Client{})
	if !actor.IsAdmin() {
		clientQuery = clientQuery.Where("designer_id = ?", actor.UserID)
	}
	if err := clientQuery.Count(&summary.Clients).Error; err != nil {
		return Summary{}, err
	}

	measurementQuery := s.owned(db.Model(&measurements.Measurement{}), actor)
	if err := measurementQuery.Count(&summary.Measurements).Error; err != nil {
		return Summary{}, err
	}

	months := lastMonths(now, monthsReported)
	since, _ := time.Parse(monthLayout, months[0].Month)
	var stamps []time.Time
	if err := s.owned(db.Model(&measurements.Measurement{}), actor).
		Where("created_at >= ?", since).
		Pluck("created_at", &stamps).Error; err != nil {
		return Summary{}, err
	}
	index := make(map[string]int, len(months))
	for i, bucket := range months {
		index[bucket.Month] = i
	}
	for _, stamp := range stamps {
		if i, ok := index[stamp.UTC().Format(monthLayout)]; ok {
			months[i].Count++
		}
	}
	summary.MeasurementsByMonth = months

	var links []sharelinks.ShareLink
	if err := s.owned(db.Model(&sharelinks.ShareLink{}), actor).
		Select("expires_at", "measurement_id", "update_window_end").
		Find(&links).Error; err != nil {
		return Summary{}, err
	}
	summary.Links = map[string]int64{
		sharelinks.StateUnused:  0,
		sharelinks.StateUsed:    0,
		sharelinks.StateExpired: 0,
	}
	for _, link := range links {
		summary.Links[link.State(now)]++
	}
	return summary, nil
}

// owned restricts a client_id-keyed query to the designer's clients.
func (s *Service) owned(query *gorm.DB, actor authz.Actor) *gorm.DB {
	if actor.IsAdmin() {
		return query
	}
	return query.Where("client_id IN (?)", s.db.Model(&clients.Client{}).Select("id").Where("designer_id = ?", actor.UserID))
}

// lastMonths returns count empty buckets ending with the month of now.
func lastMonths(now time.Time, count int) []MonthCount {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	buckets := make([]MonthCount, count)
	for i := 0; i < count; i++ {
		buckets[i] = MonthCount{Month: first.AddDate(0, i-count+1, 0).Format(monthLayout)}
	}
	return buckets
}
