package model

import (
	"context"
	"testing"
)

func TestValidBSN(t *testing.T) {
	tests := map[string]bool{
		"999990755":  true,
		"999993653":  true,
		"111222333":  true,
		"123456782":  true,
		"123456789":  false, // fails the eleven test
		"000000000":  false,
		"99999075":   false,
		"9999907555": false,
		"99999075a":  false,
		"":           false,
	}
	for bsn, want := range tests {
		if got := ValidBSN(bsn); got != want {
			t.Errorf("ValidBSN(%q) = %v, want %v", bsn, got, want)
		}
	}
}

func TestValidKVK(t *testing.T) {
	tests := map[string]bool{
		"69599084":  true,
		"12345678":  true,
		"6959908":   false,
		"695990840": false,
		"6959908x":  false,
	}
	for kvk, want := range tests {
		if got := ValidKVK(kvk); got != want {
			t.Errorf("ValidKVK(%q) = %v, want %v", kvk, got, want)
		}
	}
}

func TestSubjectKind_Valid(t *testing.T) {
	tests := []struct {
		kind SubjectKind
		id   string
		want bool
	}{
		{SubjectBSN, "999990755", true},
		{SubjectBSN, "69599084", false},
		{SubjectKVK, "69599084", true},
		{SubjectKVK, "999990755", false},
		{SubjectStaff, "medewerker-1", true},
		{SubjectStaff, "", false},
		{SubjectKind("email"), "a@b.nl", false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(tt.id); got != tt.want {
			t.Errorf("%s.Valid(%q) = %v, want %v", tt.kind, tt.id, got, tt.want)
		}
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"case-manager", "editor"}}
	if !rc.HasRole(RoleCaseManager) {
		t.Error("HasRole(case-manager) = false, want true")
	}
	if rc.HasRole("viewer") {
		t.Error("HasRole(viewer) = true, want false")
	}

	var missing *RequestContext
	if missing.HasRole(RoleCaseManager) {
		t.Error("HasRole on nil context = true, want false")
	}
}

func TestRequestContext_roundTrip(t *testing.T) {
	rctx := &RequestContext{SubjectID: "999990755", SubjectKind: SubjectBSN}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}
