package cases

import (
	"encoding/json"
	"os"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/pitabwire/caseportal/internal/patch"
	"github.com/pitabwire/caseportal/internal/schema"
	"github.com/pitabwire/caseportal/model"
)

func personDefinition(t *testing.T) model.CaseDefinition {
	t.Helper()
	raw, err := os.ReadFile("testdata/person.schema.json")
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	return model.CaseDefinition{ID: "person", Schema: doc, AllowedStatuses: []string{"a", "b"}}
}

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestAggregate(t *testing.T) *Aggregate {
	t.Helper()
	v, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	n := 0
	return NewAggregate(v,
		WithClock(clock.now),
		WithIDGenerator(func() string {
			n++
			return "case-" + strconv.Itoa(n)
		}),
	)
}

func TestAggregate_Create_emptySubmission(t *testing.T) {
	a := newTestAggregate(t)
	_, err := a.Create(personDefinition(t), map[string]any{}, "999990755", "")

	env, ok := err.(*model.ErrorEnvelope)
	if !ok || env.Code != model.ErrEmptyData {
		t.Fatalf("Create({}) error = %v, want EMPTY_DATA", err)
	}
	if env.Message != "Empty case data" {
		t.Errorf("Message = %q", env.Message)
	}
}

func TestAggregate_Create_emptyAfterPruning(t *testing.T) {
	a := newTestAggregate(t)
	_, err := a.Create(personDefinition(t), map[string]any{"unknown-field": 1}, "999990755", "")
	if !model.IsCode(err, model.ErrEmptyData) {
		t.Errorf("Create() error = %v, want EMPTY_DATA", err)
	}
}

func TestAggregate_Create_emptySchemaRejectsEverything(t *testing.T) {
	a := newTestAggregate(t)
	def := model.CaseDefinition{ID: "empty", Schema: map[string]any{}, AllowedStatuses: []string{"a"}}
	_, err := a.Create(def, map[string]any{"firstName": "Jan"}, "999990755", "")
	if !model.IsCode(err, model.ErrEmptyData) {
		t.Errorf("Create() error = %v, want EMPTY_DATA", err)
	}
}

func TestAggregate_Create_maxLength(t *testing.T) {
	a := newTestAggregate(t)
	_, err := a.Create(personDefinition(t), map[string]any{"firstName": "moreThan15CharsTooLong"}, "999990755", "")
	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if env.Message != "#/firstName: expected maxLength: 15, actual: 22" {
		t.Errorf("Message = %q", env.Message)
	}
}

func TestAggregate_Create_wrongType(t *testing.T) {
	a := newTestAggregate(t)
	_, err := a.Create(personDefinition(t), map[string]any{"firstName": 1}, "999990755", "")
	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if env.Message != "#/firstName: expected type: String, found: Integer" {
		t.Errorf("Message = %q", env.Message)
	}
}

func TestAggregate_Create_prunesUndeclaredKeys(t *testing.T) {
	a := newTestAggregate(t)
	c, err := a.Create(personDefinition(t), map[string]any{
		"firstName":                     "myName",
		"extra-key-non-portal-property": "value",
	}, "999990755", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, ok := c.Submission["extra-key-non-portal-property"]; ok {
		t.Error("undeclared key survived")
	}
	if c.Submission["firstName"] != "myName" {
		t.Errorf("firstName = %v", c.Submission["firstName"])
	}
	if c.Submission["country"] != "NL" {
		t.Errorf("default country not applied: %v", c.Submission)
	}
}

func TestAggregate_Create_defaultStatus(t *testing.T) {
	a := newTestAggregate(t)
	c, err := a.Create(personDefinition(t), map[string]any{"firstName": "Jan"}, "999990755", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.Status.Name != "a" {
		t.Errorf("Status.Name = %q, want a", c.Status.Name)
	}
	if c.ID != "case-1" || c.UserID != "999990755" || c.CaseDefinitionID != "person" {
		t.Errorf("case = %+v", c)
	}
	if len(c.StatusHistory) != 0 {
		t.Errorf("StatusHistory = %v, want empty", c.StatusHistory)
	}
	if !c.CreatedOn.Equal(c.Status.SetAt) {
		t.Errorf("CreatedOn = %v, Status.SetAt = %v", c.CreatedOn, c.Status.SetAt)
	}
}

func TestAggregate_Create_requestedStatus(t *testing.T) {
	a := newTestAggregate(t)
	c, err := a.Create(personDefinition(t), map[string]any{"firstName": "Jan"}, "999990755", "b")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.Status.Name != "b" {
		t.Errorf("Status.Name = %q, want b", c.Status.Name)
	}

	_, err = a.Create(personDefinition(t), map[string]any{"firstName": "Jan"}, "999990755", "z")
	if !model.IsCode(err, model.ErrInvalidStatus) {
		t.Errorf("Create(z) error = %v, want INVALID_STATUS", err)
	}
}

func TestAggregate_ChangeStatus(t *testing.T) {
	a := newTestAggregate(t)
	def := personDefinition(t)
	c, err := a.Create(def, map[string]any{"firstName": "Jan"}, "999990755", "")
	if err != nil {
		t.Fatal(err)
	}

	next, err := a.ChangeStatus(def, c, "b")
	if err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}
	if next.Status.Name != "b" {
		t.Errorf("Status.Name = %q, want b", next.Status.Name)
	}
	if len(next.StatusHistory) != 1 || next.StatusHistory[0].Name != "a" {
		t.Errorf("StatusHistory = %+v", next.StatusHistory)
	}
	if !next.StatusHistory[0].SetAt.Equal(c.Status.SetAt) {
		t.Error("history entry lost its original timestamp")
	}
	if !next.UpdatedAt.Equal(next.Status.SetAt) {
		t.Errorf("UpdatedAt = %v", next.UpdatedAt)
	}

	if _, err := a.ChangeStatus(def, next, "z"); !model.IsCode(err, model.ErrInvalidStatus) {
		t.Errorf("ChangeStatus(z) error = %v, want INVALID_STATUS", err)
	}
}

func TestAggregate_UpdateSubmission(t *testing.T) {
	a := newTestAggregate(t)
	def := personDefinition(t)
	c, err := a.Create(def, map[string]any{
		"firstName": "Jan",
		"address":   map[string]any{"street": "Plein"},
	}, "999990755", "")
	if err != nil {
		t.Fatal(err)
	}

	next, err := a.UpdateSubmission(def, c, patch.EditsFromMap(map[string]any{
		"/lastName":       "Jansen",
		"/address/number": 1,
	}))
	if err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}
	if next.Submission["lastName"] != "Jansen" {
		t.Errorf("lastName = %v", next.Submission["lastName"])
	}
	if next.Submission["address"].(map[string]any)["number"] != 1 {
		t.Errorf("address = %v", next.Submission["address"])
	}
	if _, ok := c.Submission["lastName"]; ok {
		t.Error("UpdateSubmission() mutated the original case")
	}
	if !next.UpdatedAt.After(c.UpdatedAt) {
		t.Error("UpdatedAt not advanced")
	}
}

func TestAggregate_UpdateSubmission_revalidates(t *testing.T) {
	a := newTestAggregate(t)
	def := personDefinition(t)
	c, err := a.Create(def, map[string]any{"firstName": "Jan"}, "999990755", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.UpdateSubmission(def, c, []patch.Edit{{Pointer: "/firstName", Value: "moreThan15CharsTooLong"}})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("UpdateSubmission() error = %v, want VALIDATION_ERROR", err)
	}

	_, err = a.UpdateSubmission(def, c, []patch.Edit{{Pointer: "/nope/x", Value: 1}})
	if !model.IsCode(err, model.ErrPatchTargetNotFound) {
		t.Errorf("UpdateSubmission() error = %v, want PATCH_TARGET_NOT_FOUND", err)
	}
}

func TestAggregate_AssignExternalID(t *testing.T) {
	a := newTestAggregate(t)
	c := model.Case{ID: "case-1"}

	next, err := a.AssignExternalID(c, "ZAAK-2024-1")
	if err != nil {
		t.Fatalf("AssignExternalID() error = %v", err)
	}
	if next.ExternalID != "ZAAK-2024-1" || c.ExternalID != "" {
		t.Errorf("ExternalID = %q / original %q", next.ExternalID, c.ExternalID)
	}
	if _, err := a.AssignExternalID(c, ""); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("AssignExternalID(\"\") error = %v, want BAD_REQUEST", err)
	}
}

func TestAggregate_historyIsolation(t *testing.T) {
	a := newTestAggregate(t)
	def := personDefinition(t)
	c, _ := a.Create(def, map[string]any{"firstName": "Jan"}, "999990755", "")
	b1, _ := a.ChangeStatus(def, c, "b")

	left, _ := a.ChangeStatus(def, b1, "a")
	right, _ := a.ChangeStatus(def, b1, "b")

	if !reflect.DeepEqual(left.StatusHistory[:2], right.StatusHistory[:2]) {
		t.Error("shared prefix diverged")
	}
	left.StatusHistory[0].Name = "mutated"
	if right.StatusHistory[0].Name != "a" || b1.StatusHistory[0].Name != "a" {
		t.Error("history shared between case values")
	}
}
