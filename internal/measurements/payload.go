package measurements

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/validation"
)

const (
	notesKey       = "notes"
	maxNotesLength = 4000
)

// Payload is a validated set of measurement changes. A nil value clears the
// field.
type Payload struct {
	Values map[Field]*float64
	Notes  *string
}

// IsEmpty reports whether the payload changes nothing.
func (p Payload) IsEmpty() bool {
	return len(p.Values) == 0 && p.Notes == nil
}

// ParsePayload decodes a JSON object of measurement fields plus optional notes.
// Every failing key is reported in the returned *validation.RequestValidationError.
func ParsePayload(body []byte) (Payload, error) {
	var document map[string]json.RawMessage
	if err := json.Unmarshal(body, &document); err != nil || document == nil {
		return Payload{}, validation.NewRequestValidationError(validation.FieldError{
			Field:   "body",
			Tag:     "json",
			Message: "body must be a JSON object of measurement values",
		})
	}
	return ParseDocument(document)
}

// ParseDocument validates an already-split JSON object.
func ParseDocument(document map[string]json.RawMessage) (Payload, error) {
	payload := Payload{Values: make(map[Field]*float64)}
	var failures []validation.FieldError

	keys := make([]string, 0, len(document))
	for key := range document {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := document[key]
		if strings.EqualFold(strings.TrimSpace(key), notesKey) {
			notes, failure := parseNotes(raw)
			if failure != nil {
				failures = append(failures, *failure)
				continue
			}
			payload.Notes = notes
			continue
		}

		field, err := ParseField(key)
		if err != nil {
			failures = append(failures, validation.FieldError{Field: key, Tag: "field", Message: err.Error()})
			continue
		}
		value, failure := parseValue(field, raw)
		if failure != nil {
			failures = append(failures, *failure)
			continue
		}
		payload.Values[field] = value
	}

	if len(failures) > 0 {
		return Payload{}, validation.NewRequestValidationError(failures...)
	}
	if payload.IsEmpty() {
		return Payload{}, validation.NewRequestValidationError(validation.FieldError{
			Field:   "body",
			Tag:     "required",
			Message: "at least one measurement or notes is required",
		})
	}
	return payload, nil
}

func parseValue(field Field, raw json.RawMessage) (*float64, *validation.FieldError) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var value float64
	var text string
	switch {
	case json.Unmarshal(trimmed, &value) == nil:
	case json.Unmarshal(trimmed, &text) == nil:
		// form encoders post numbers as strings; empty means cleared
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, nil
		}
		parsed, err := parseNumber(text)
		if err != nil {
			return nil, &validation.FieldError{Field: field.String(), Tag: "number", Message: fmt.Sprintf("%s must be a number", field)}
		}
		value = parsed
	default:
		return nil, &validation.FieldError{Field: field.String(), Tag: "number", Message: fmt.Sprintf("%s must be a number", field)}
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, &validation.FieldError{Field: field.String(), Tag: "number", Message: fmt.Sprintf("%s must be a number", field)}
	}
	if err := validation.ValidateVar(field.String(), value, fmt.Sprintf("gte=0,lte=%g", MaxValue)); err != nil {
		var requestErr *validation.RequestValidationError
		if errors.As(err, &requestErr) && len(requestErr.Fields()) > 0 {
			failure := requestErr.Fields()[0]
			return nil, &failure
		}
		return nil, &validation.FieldError{Field: field.String(), Tag: "range", Message: err.Error()}
	}
	return &value, nil
}

func parseNotes(raw json.RawMessage) (*string, *validation.FieldError) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		empty := ""
		return &empty, nil
	}
	var notes string
	if err := json.Unmarshal(trimmed, &notes); err != nil {
		return nil, &validation.FieldError{Field: notesKey, Tag: "string", Message: "notes must be text"}
	}
	notes = strings.TrimSpace(notes)
	if len([]rune(notes)) > maxNotesLength {
		return nil, &validation.FieldError{Field: notesKey, Tag: "max", Message: fmt.Sprintf("notes must be at most %d characters", maxNotesLength)}
	}
	return &notes, nil
}

func parseNumber(text string) (float64, error) {
	var value float64
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return 0, err
	}
	return value, nil
}
