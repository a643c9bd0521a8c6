package measurements

import (
	"fmt"
	"strings"
)

// Field names one body measurement. The set is closed; payloads naming any
// other key are rejected.
type Field string

const (
	FieldShoulder        Field = "shoulder"
	FieldChest           Field = "chest"
	FieldBust            Field = "bust"
	FieldUnderBust       Field = "underBust"
	FieldWaistStatic     Field = "waistStatic"
	FieldWaistDynamic    Field = "waistDynamic"
	FieldHips            Field = "hips"
	FieldNeck            Field = "neck"
	FieldArmLength       Field = "armLength"
	FieldBicep           Field = "bicep"
	FieldWrist           Field = "wrist"
	FieldInseam          Field = "inseam"
	FieldOutseam         Field = "outseam"
	FieldThigh           Field = "thigh"
	FieldKnee            Field = "knee"
	FieldCalf            Field = "calf"
	FieldAnkle           Field = "ankle"
	FieldHeight          Field = "height"
	FieldBackLength      Field = "backLength"
	FieldFrontLength     Field = "frontLength"
	FieldShoulderToWaist Field = "shoulderToWaist"
	FieldWaistToKnee     Field = "waistToKnee"
	FieldWaistToFloor    Field = "waistToFloor"
)

// MaxValue bounds every measurement value, in either unit.
const MaxValue = 500.0

// AllFields lists the fields in form order.
var AllFields = []Field{
	FieldShoulder, FieldChest, FieldBust, FieldUnderBust,
	FieldWaistStatic, FieldWaistDynamic, FieldHips, FieldNeck,
	FieldArmLength, FieldBicep, FieldWrist,
	FieldInseam, FieldOutseam, FieldThigh, FieldKnee, FieldCalf, FieldAnkle,
	FieldHeight, FieldBackLength, FieldFrontLength,
	FieldShoulderToWaist, FieldWaistToKnee, FieldWaistToFloor,
}

var fieldsByKey = func() map[string]Field {
	index := make(map[string]Field, len(AllFields))
	for _, field := range AllFields {
		index[strings.ToLower(string(field))] = field
	}
	return index
}()

// ParseField resolves a payload key, ignoring case.
func ParseField(key string) (Field, error) {
	field, ok := fieldsByKey[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return "", fmt.Errorf("unknown measurement field %q", key)
	}
	return field, nil
}

func (f Field) String() string {
	return string(f)
}
