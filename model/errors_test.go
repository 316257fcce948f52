package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Case not found"}
	want := "NOT_FOUND: Case not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewEmptyDataError(t *testing.T) {
	e := NewEmptyDataError()
	if e.Code != ErrEmptyData {
		t.Errorf("Code = %q, want %q", e.Code, ErrEmptyData)
	}
	if e.Message != "Empty case data" {
		t.Errorf("Message = %q, want %q", e.Message, "Empty case data")
	}
}

func TestNewValidationError_single(t *testing.T) {
	details := []FieldError{
		{Field: "#/firstName", Code: "maxLength", Message: "#/firstName: expected maxLength: 15, actual: 22"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if e.Message != "#/firstName: expected maxLength: 15, actual: 22" {
		t.Errorf("Message = %q", e.Message)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
}

func TestNewValidationError_multiple(t *testing.T) {
	details := []FieldError{
		{Field: "#/a", Message: "#/a: expected type: String, found: Integer"},
		{Field: "#/b", Message: "#/b: expected type: String, found: Boolean"},
	}
	e := NewValidationError(details)
	if e.Message != "#: 2 schema violations found" {
		t.Errorf("Message = %q", e.Message)
	}
	if len(e.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(e.Details))
	}
}

func TestNewInvalidStatusError(t *testing.T) {
	e := NewInvalidStatusError("closed", "person")
	if e.Code != ErrInvalidStatus {
		t.Errorf("Code = %q, want %q", e.Code, ErrInvalidStatus)
	}
	want := `status "closed" is not allowed for case definition "person"`
	if e.Message != want {
		t.Errorf("Message = %q, want %q", e.Message, want)
	}
}

func TestNewPatchTargetNotFoundError(t *testing.T) {
	e := NewPatchTargetNotFoundError("/a/b", "parent does not exist")
	if e.Code != ErrPatchTargetNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrPatchTargetNotFound)
	}
}

func TestNewInternalError(t *testing.T) {
	e := NewInternalError()
	if e.Code != ErrInternalError {
		t.Errorf("Code = %q, want %q", e.Code, ErrInternalError)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"envelope", NewConflictError("x"), ErrConflict},
		{"wrapped envelope", fmt.Errorf("store: %w", NewNotFoundError("x")), ErrNotFound},
		{"plain error", fmt.Errorf("boom"), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	if IsCode(nil, ErrNotFound) {
		t.Error("IsCode(nil) should be false")
	}
	if !IsCode(NewEmptyDataError(), ErrEmptyData) {
		t.Error("IsCode(EMPTY_DATA) should be true")
	}
}
