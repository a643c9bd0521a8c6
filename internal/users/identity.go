package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/authz"
)

// MeasurementUnit is the unit a designer records measurements in.
type MeasurementUnit string

const (
	UnitInches      MeasurementUnit = "in"
	UnitCentimeters MeasurementUnit = "cm"
)

// ParseMeasurementUnit accepts "in"/"inch"/"inches" and "cm"/"centimeters".
func ParseMeasurementUnit(raw string) (MeasurementUnit, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "in", "inch", "inches":
		return UnitInches, true
	case "cm", "centimeter", "centimeters":
		return UnitCentimeters, true
	default:
		return "", false
	}
}

// User is an Atelier account.
type User struct {
	ID              string          `gorm:"column:id;primaryKey;size:64"`
	Email           string          `gorm:"column:email;size:320;not null;uniqueIndex"`
	DisplayName     string          `gorm:"column:display_name;size:320;not null;default:''"`
	PasswordHash    string          `gorm:"column:password_hash;size:128;not null;default:''"`
	Role            authz.Role      `gorm:"column:role;size:16;not null;index"`
	MeasurementUnit MeasurementUnit `gorm:"column:measurement_unit;size:8;not null;default:'in'"`
	Phone           string          `gorm:"column:phone;size:32;not null;default:''"`
	AvatarURL       string          `gorm:"column:avatar_url;size:512;not null;default:''"`
	LastSeenAt      time.Time       `gorm:"column:last_seen_at"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (User) TableName() string {
	return "users"
}

// Actor returns the authorization identity of the user.
func (u User) Actor() authz.Actor {
	return authz.Actor{UserID: u.ID, Role: u.Role}
}

// Identity maps a provider-specific login onto an Atelier user id.
type Identity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:64;not null;index"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
