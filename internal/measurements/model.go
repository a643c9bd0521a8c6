package measurements

import (
	"encoding/json"
	"time"
)

// Measurement is one measuring session of a client.
type Measurement struct {
	ID        string `gorm:"column:id;primaryKey;size:64"`
	ClientID  string `gorm:"column:client_id;size:64;not null;index"`
	CreatedBy string `gorm:"column:created_by;size:64;not null;index"`
	Notes     string `gorm:"column:notes;type:text;not null;default:''"`

	Shoulder        *float64 `gorm:"column:shoulder"`
	Chest           *float64 `gorm:"column:chest"`
	Bust            *float64 `gorm:"column:bust"`
	UnderBust       *float64 `gorm:"column:under_bust"`
	WaistStatic     *float64 `gorm:"column:waist_static"`
	WaistDynamic    *float64 `gorm:"column:waist_dynamic"`
	Hips            *float64 `gorm:"column:hips"`
	Neck            *float64 `gorm:"column:neck"`
	ArmLength       *float64 `gorm:"column:arm_length"`
	Bicep           *float64 `gorm:"column:bicep"`
	Wrist           *float64 `gorm:"column:wrist"`
	Inseam          *float64 `gorm:"column:inseam"`
	Outseam         *float64 `gorm:"column:outseam"`
	Thigh           *float64 `gorm:"column:thigh"`
	Knee            *float64 `gorm:"column:knee"`
	Calf            *float64 `gorm:"column:calf"`
	Ankle           *float64 `gorm:"column:ankle"`
	Height          *float64 `gorm:"column:height"`
	BackLength      *float64 `gorm:"column:back_length"`
	FrontLength     *float64 `gorm:"column:front_length"`
	ShoulderToWaist *float64 `gorm:"column:shoulder_to_waist"`
	WaistToKnee     *float64 `gorm:"column:waist_to_knee"`
	WaistToFloor    *float64 `gorm:"column:waist_to_floor"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing measurements.
func (Measurement) TableName() string {
	return "measurements"
}

func (m *Measurement) slot(field Field) **float64 {
	switch field {
	case FieldShoulder:
		return &m.Shoulder
	case FieldChest:
		return &m.Chest
	case FieldBust:
		return &m.Bust
	case FieldUnderBust:
		return &m.UnderBust
	case FieldWaistStatic:
		return &m.WaistStatic
	case FieldWaistDynamic:
		return &m.WaistDynamic
	case FieldHips:
		return &m.Hips
	case FieldNeck:
		return &m.Neck
	case FieldArmLength:
		return &m.ArmLength
	case FieldBicep:
		return &m.Bicep
	case FieldWrist:
		return &m.Wrist
	case FieldInseam:
		return &m.Inseam
	case FieldOutseam:
		return &m.Outseam
	case FieldThigh:
		return &m.Thigh
	case FieldKnee:
		return &m.Knee
	case FieldCalf:
		return &m.Calf
	case FieldAnkle:
		return &m.Ankle
	case FieldHeight:
		return &m.Height
	case FieldBackLength:
		return &m.BackLength
	case FieldFrontLength:
		return &m.FrontLength
	case FieldShoulderToWaist:
		return &m.ShoulderToWaist
	case FieldWaistToKnee:
		return &m.WaistToKnee
	case FieldWaistToFloor:
		return &m.WaistToFloor
	default:
		return nil
	}
}

// Value returns the stored value of field, if any.
func (m *Measurement) Value(field Field) (float64, bool) {
	slot := m.slot(field)
	if slot == nil || *slot == nil {
		return 0, false
	}
	return **slot, true
}

// Values returns every recorded field.
func (m *Measurement) Values() map[Field]float64 {
	values := make(map[Field]float64)
	for _, field := range AllFields {
		if value, ok := m.Value(field); ok {
			values[field] = value
		}
	}
	return values
}

// Apply merges a validated payload: listed values overwrite, explicit nulls
// clear, and notes change only when present.
func (m *Measurement) Apply(payload Payload) {
	for field, value := range payload.Values {
		slot := m.slot(field)
		if slot == nil {
			continue
		}
		if value == nil {
			*slot = nil
			continue
		}
		copied := *value
		*slot = &copied
	}
	if payload.Notes != nil {
		m.Notes = *payload.Notes
	}
}

// MarshalJSON flattens recorded values next to the record metadata, matching
// the shape the submission form posts.
func (m Measurement) MarshalJSON() ([]byte, error) {
	document := map[string]interface{}{
		"id":        m.ID,
		"clientId":  m.ClientID,
		"createdBy": m.CreatedBy,
		"notes":     m.Notes,
		"createdAt": m.CreatedAt,
		"updatedAt": m.UpdatedAt,
	}
	for field, value := range m.Values() {
		document[field.String()] = value
	}
	return json.Marshal(document)
}
