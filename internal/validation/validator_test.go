package validation

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type clientRequest struct {
	Name  string `json:"name" validate:"required,max=10"`
	Email string `json:"email" validate:"omitempty,email"`
	Unit  string `json:"unit" validate:"omitempty,oneof=in cm"`
}

func TestValidateStructUsesJSONFieldNames(t *testing.T) {
	err := ValidateStruct(&clientRequest{Name: "", Email: "nope", Unit: "ft"})
	var requestErr *RequestValidationError
	if !errors.As(err, &requestErr) {
		t.Fatalf("expected request validation error, got %v", err)
	}

	want := []FieldError{
		{Field: "name", Tag: "required", Message: "name is required"},
		{Field: "email", Tag: "email", Message: "email must be a valid email address"},
		{Field: "unit", Tag: "oneof", Message: "unit must be one of: in cm"},
	}
	if diff := cmp.Diff(want, requestErr.Fields()); diff != "" {
		t.Fatalf("unexpected field errors (-want +got):\n%s", diff)
	}
}

func TestValidateStructAcceptsValidInput(t *testing.T) {
	if err := ValidateStruct(&clientRequest{Name: "Ada", Email: "ada@example.com", Unit: "cm"}); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestValidateStructStringLengthMessage(t *testing.T) {
	err := ValidateStruct(&clientRequest{Name: "a name that is too long"})
	if err == nil || err.Error() != "name must be at most 10 characters" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestValidateVar(t *testing.T) {
	if err := ValidateVar("chest", 40.5, "gte=0,lte=500"); err != nil {
		t.Fatalf("expected value in range, got %v", err)
	}
	err := ValidateVar("chest", 501.0, "gte=0,lte=500")
	var requestErr *RequestValidationError
	if !errors.As(err, &requestErr) {
		t.Fatalf("expected request validation error, got %v", err)
	}
	if got := requestErr.Fields()[0].Message; got != "chest must be less than or equal to 500" {
		t.Fatalf("unexpected message %q", got)
	}
}
