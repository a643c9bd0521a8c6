package users

import (
	"context"
	"errors"
	"net/mail"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/atelier/backend/internal/serviceerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const providerGoogle = "google"

var (
	ErrInvalidIdentity    = errors.New("users: invalid identity")
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	ErrEmailTaken         = errors.New("users: email already registered")
	ErrInvalidEmail       = errors.New("users: invalid email")
	ErrInvalidUnit        = errors.New("users: unsupported measurement unit")
	ErrUserNotFound       = errors.New("users: user not found")
	errMissingDatabase    = errors.New("database handle is required")
	errMissingIDProvider  = errors.New("id provider is required")
)

const (
	opServiceNew    = "users.service.new"
	opRegister      = "users.register"
	opAuthenticate  = "users.authenticate"
	opResolveGoogle = "users.resolve_google"
	opGetUser       = "users.get"
	opUpdateProfile = "users.update_profile"
	opListDesigners = "users.list_designers"
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service manages accounts and provider identities.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	// provider:subject -> user id
	identityCache sync.Map
}

// NewService constructs the account service.
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
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// RegisterInput describes a new credentials account.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
	Phone       string
	Role        authz.Role
}

// Register creates a credentials account. Role defaults to DESIGNER.
func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	email := normalizeEmail(input.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return User{}, ErrInvalidEmail
	}
	role := input.Role
	if role == "" {
		role = authz.RoleDesigner
	}
	if _, err := authz.ParseRole(role.String()); err != nil {
		return User{}, err
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return User{}, err
	}

	taken, err := s.emailExists(ctx, email)
	if err != nil {
		s.logError(opRegister, "email_lookup_failed", err)
		return User{}, serviceerror.New(opRegister, "email_lookup_failed", err)
	}
	if taken {
		return User{}, ErrEmailTaken
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return User{}, serviceerror.New(opRegister, "id_generation_failed", err)
	}
	now := s.now().UTC()
	user := User{
		ID:              id,
		Email:           email,
		DisplayName:     normalize(input.DisplayName),
		PasswordHash:    hash,
		Role:            role,
		MeasurementUnit: UnitInches,
		Phone:           normalize(input.Phone),
		LastSeenAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, ErrEmailTaken
		}
		s.logError(opRegister, "insert_failed", err, zap.String("email", email))
		return User{}, serviceerror.New(opRegister, "insert_failed", err)
	}
	return user, nil
}

// Authenticate verifies email and password. Unknown emails and wrong passwords
// both yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		s.logError(opAuthenticate, "user_lookup_failed", err)
		return User{}, serviceerror.New(opAuthenticate, "user_lookup_failed", err)
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, serviceerror.New(opAuthenticate, "password_compare_failed", err)
	}
	s.touch(ctx, user.ID)
	return user, nil
}

// ResolveGoogleUser returns the account linked to a verified Google identity,
// linking by email or creating a DESIGNER account on first sign-in.
func (s *Service) ResolveGoogleUser(ctx context.Context, claims auth.GoogleClaims) (User, error) {
	subject := normalize(claims.Subject)
	if subject == "" {
		return User{}, ErrInvalidIdentity
	}
	cacheKey := providerGoogle + ":" + subject
	if cached, ok := s.identityCache.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			user, err := s.Get(ctx, userID)
			if err == nil {
				s.touch(ctx, user.ID)
				return user, nil
			}
			s.identityCache.Delete(cacheKey)
		}
	}

	var user User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identity Identity
		err := tx.Where("provider = ? AND subject = ?", providerGoogle, subject).Take(&identity).Error
		switch {
		case err == nil:
			return tx.Where("id = ?", identity.UserID).Take(&user).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		email := normalizeEmail(claims.Email)
		if email == "" {
			return ErrInvalidIdentity
		}
		err = tx.Where("email = ?", email).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			id, idErr := s.idProvider.NewID()
			if idErr != nil {
				return idErr
			}
			user = User{
				ID:              id,
				Email:           email,
				DisplayName:     normalize(claims.Name),
				Role:            authz.RoleDesigner,
				MeasurementUnit: UnitInches,
				AvatarURL:       normalize(claims.Picture),
				LastSeenAt:      s.now().UTC(),
			}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		return tx.Create(&Identity{
			Provider:   providerGoogle,
			Subject:    subject,
			UserID:     user.ID,
			LastSeenAt: s.now().UTC(),
		}).Error
	})
	if txErr != nil {
		if errors.Is(txErr, ErrInvalidIdentity) {
			return User{}, txErr
		}
		s.logError(opResolveGoogle, "identity_resolution_failed", txErr, zap.String("subject", subject))
		return User{}, serviceerror.New(opResolveGoogle, "identity_resolution_failed", txErr)
	}

	updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
	if name := normalize(claims.Name); name != "" && user.DisplayName == "" {
		updates["display_name"] = name
		user.DisplayName = name
	}
	if picture := normalize(claims.Picture); picture != "" && picture != user.AvatarURL {
		updates["avatar_url"] = picture
		user.AvatarURL = picture
	}
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		s.logger.Warn("failed to refresh google profile", zap.String("user_id", user.ID), zap.Error(err))
	}

	s.identityCache.Store(cacheKey, user.ID)
	return user, nil
}

// Get loads one account.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", normalize(userID)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logError(opGetUser, "query_failed", err, zap.String("user_id", userID))
		return User{}, serviceerror.New(opGetUser, "query_failed", err)
	}
	return user, nil
}

// ProfileUpdate lists optional profile changes; nil fields stay unchanged.
type ProfileUpdate struct {
	DisplayName     *string
	Phone           *string
	MeasurementUnit *string
}

// UpdateProfile applies a partial profile update and returns the stored account.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (User, error) {
	updates := map[string]interface{}{}
	if update.DisplayName != nil {
		updates["display_name"] = normalize(*update.DisplayName)
	}
	if update.Phone != nil {
		updates["phone"] = normalize(*update.Phone)
	}
	if update.MeasurementUnit != nil {
		unit, ok := ParseMeasurementUnit(*update.MeasurementUnit)
		if !ok {
			return User{}, ErrInvalidUnit
		}
		updates["measurement_unit"] = unit
	}

	if len(updates) > 0 {
		result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates)
		if result.Error != nil {
			s.logError(opUpdateProfile, "update_failed", result.Error, zap.String("user_id", userID))
			return User{}, serviceerror.New(opUpdateProfile, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return User{}, ErrUserNotFound
		}
	}
	return s.Get(ctx, userID)
}

// ListDesigners returns every DESIGNER account ordered by name.
func (s *Service) ListDesigners(ctx context.Context) ([]User, error) {
	var designers []User
	if err := s.db.WithContext(ctx).
		Where("role = ?", authz.RoleDesigner).
		Order("display_name ASC, email ASC").
		Find(&designers).Error; err != nil {
		s.logError(opListDesigners, "query_failed", err)
		return nil, serviceerror.New(opListDesigners, "query_failed", err)
	}
	return designers, nil
}

func (s *Service) emailExists(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) touch(ctx context.Context, userID string) {
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("last_seen_at", s.now().UTC()).Error; err != nil {
		s.logger.Debug("failed to update last seen", zap.String("user_id", userID), zap.Error(err))
	}
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
	s.logger.Error("users service error", attrs...)
}
