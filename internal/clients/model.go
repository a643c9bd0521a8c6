package clients

import "time"

// Client is a person a designer measures.
type Client struct {
	ID         string    `gorm:"column:id;primaryKey;size:64"`
	DesignerID string    `gorm:"column:designer_id;size:64;not null;index"`
	Name       string    `gorm:"column:name;size:200;not null"`
	Email      string    `gorm:"column:email;size:320;not null;default:''"`
	Phone      string    `gorm:"column:phone;size:32;not null;default:''"`
	Gender     string    `gorm:"column:gender;size:16;not null;default:''"`
	Notes      string    `gorm:"column:notes;type:text;not null;default:''"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing clients.
func (Client) TableName() string {
	return "clients"
}

// Input is the writable part of a client.
type Input struct {
	Name       string `json:"name" validate:"required,max=200"`
	Email      string `json:"email" validate:"omitempty,email,max=320"`
	Phone      string `json:"phone" validate:"omitempty,e164"`
	Gender     string `json:"gender" validate:"omitempty,oneof=female male other"`
	Notes      string `json:"notes" validate:"max=4000"`
	DesignerID string `json:"designerId" validate:"omitempty,max=64"`
}

// ListQuery filters and pages client listings.
type ListQuery struct {
	Search string
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (q ListQuery) normalized() ListQuery {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
