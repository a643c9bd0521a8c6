package sharelinks

import (
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/measurements"
)

// Link states reported to designers and metrics.
const (
	StateUnused  = "unused"
	StateUsed    = "used"
	StateExpired = "expired"
)

// ShareLink grants one anonymous client the right to submit a measurement
// before ExpiresAt, then to correct it until UpdateWindowEnd.
// MeasurementID and UpdateWindowEnd are always written together.
type ShareLink struct {
	ID              string     `gorm:"column:id;primaryKey;size:64"`
	Token           string     `gorm:"column:token;size:64;not null;uniqueIndex"`
	ClientID        string     `gorm:"column:client_id;size:64;not null;index"`
	DesignerID      string     `gorm:"column:designer_id;size:64;not null;index"`
	ExpiresAt       time.Time  `gorm:"column:expires_at;not null"`
	MeasurementID   *string    `gorm:"column:measurement_id;size:64"`
	UpdateWindowEnd *time.Time `gorm:"column:update_window_end"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing share links.
func (ShareLink) TableName() string {
	return "share_links"
}

// Used reports whether a measurement has been submitted through the link.
func (l ShareLink) Used() bool {
	return l.MeasurementID != nil
}

// State derives the lifecycle state at now.
func (l ShareLink) State(now time.Time) string {
	if l.Used() {
		if l.UpdateWindowEnd != nil && now.Before(*l.UpdateWindowEnd) {
			return StateUsed
		}
		return StateExpired
	}
	if now.Before(l.ExpiresAt) {
		return StateUnused
	}
	return StateExpired
}

// Participants are the people a link connects.
type Participants struct {
	ClientName      string
	ClientPhone     string
	DesignerName    string
	DesignerEmail   string
	MeasurementUnit string
}

// LinkContext is what the anonymous form needs to render.
type LinkContext struct {
	ClientName      string                    `json:"clientName"`
	DesignerName    string                    `json:"designerName"`
	MeasurementUnit string                    `json:"measurementUnit"`
	Measurement     *measurements.Measurement `json:"measurement"`
	ExpiresAt       time.Time                 `json:"expiresAt"`
	UpdateWindowEnd *time.Time                `json:"updateWindowEnd"`
}

// CreatedLink is returned to the designer who asked for a link.
type CreatedLink struct {
	Token       string    `json:"token"`
	SharableURL string    `json:"sharableUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// SubmitResult reports how a submission was applied.
type SubmitResult struct {
	Message       string `json:"message"`
	MeasurementID string `json:"measurementId"`
	Created       bool   `json:"-"`
}

// Summary lists a link for its designer.
type Summary struct {
	ID              string     `json:"id"`
	Token           string     `json:"token"`
	SharableURL     string     `json:"sharableUrl"`
	State           string     `json:"state"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	MeasurementID   *string    `json:"measurementId"`
	UpdateWindowEnd *time.Time `json:"updateWindowEnd"`
	CreatedAt       time.Time  `json:"createdAt"`
}
