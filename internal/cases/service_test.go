package cases

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/caseportal/internal/events"
	"github.com/pitabwire/caseportal/internal/patch"
	"github.com/pitabwire/caseportal/model"
)

type staticDefinitions map[string]model.CaseDefinition

func (d staticDefinitions) Lookup(_ context.Context, id string) (model.CaseDefinition, error) {
	def, ok := d[id]
	if !ok {
		return model.CaseDefinition{}, model.NewNotFoundError("case definition not found")
	}
	return def, nil
}

type recordingObserver struct {
	mu  sync.Mutex
	ops []CaseOperation
}

func (o *recordingObserver) OnCaseOperation(_ context.Context, op CaseOperation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
}

type serviceFixture struct {
	svc       *Service
	store     *MemoryCaseStore
	publisher *events.MemoryPublisher
	observer  *recordingObserver
	logs      *observer.ObservedLogs
}

func newServiceFixture(t *testing.T, opts ...ServiceOption) serviceFixture {
	t.Helper()
	core, logs := observer.New(zap.WarnLevel)
	f := serviceFixture{
		store:     NewMemoryCaseStore(),
		publisher: events.NewMemoryPublisher(),
		observer:  &recordingObserver{},
		logs:      logs,
	}
	opts = append([]ServiceOption{WithObserver(f.observer), WithLogger(zap.New(core))}, opts...)
	f.svc = NewService(
		f.store,
		staticDefinitions{"person": personDefinition(t)},
		newTestAggregate(t),
		f.publisher,
		opts...,
	)
	return f
}

func citizen() *model.RequestContext {
	return &model.RequestContext{SubjectID: "999990755", SubjectKind: model.SubjectBSN}
}

func manager() *model.RequestContext {
	return &model.RequestContext{SubjectID: "medewerker-1", SubjectKind: model.SubjectStaff, Roles: []string{model.RoleCaseManager}}
}

func TestService_Create(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	raw := map[string]any{"firstName": "myName", "extra-key-non-portal-property": "value"}

	c, err := f.svc.Create(ctx, citizen(), CreateInput{CaseDefinitionID: "person", Submission: raw})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.Status.Name != "a" || c.UserID != "999990755" {
		t.Errorf("case = %+v", c)
	}

	stored, err := f.store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if _, ok := stored.Submission["extra-key-non-portal-property"]; ok {
		t.Error("stored submission contains undeclared key")
	}

	evts := f.publisher.Events()
	if len(evts) != 1 || evts[0].Type != model.EventCaseCreated {
		t.Fatalf("events = %+v", evts)
	}
	published := evts[0].Data["submission"].(map[string]any)
	if published["extra-key-non-portal-property"] != "value" {
		t.Errorf("created event lost the original payload: %v", published)
	}

	if len(f.observer.ops) != 1 || !f.observer.ops[0].Success || f.observer.ops[0].Operation != OpCreate || f.observer.ops[0].Status != "a" {
		t.Errorf("observer ops = %+v", f.observer.ops)
	}
}

func TestService_Create_errors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rctx *model.RequestContext
		in   CreateInput
		code string
	}{
		{"no subject", nil, CreateInput{CaseDefinitionID: "person", Submission: map[string]any{"firstName": "a"}}, model.ErrUnauthorized},
		{"unknown definition", citizen(), CreateInput{CaseDefinitionID: "nope", Submission: map[string]any{"firstName": "a"}}, model.ErrNotFound},
		{"empty", citizen(), CreateInput{CaseDefinitionID: "person", Submission: map[string]any{}}, model.ErrEmptyData},
		{"invalid", citizen(), CreateInput{CaseDefinitionID: "person", Submission: map[string]any{"firstName": 1}}, model.ErrValidationError},
		{"bad status", citizen(), CreateInput{CaseDefinitionID: "person", Submission: map[string]any{"firstName": "a"}, Status: "z"}, model.ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.rctx, tt.in)
			if !model.IsCode(err, tt.code) {
				t.Errorf("Create() error = %v, want %s", err, tt.code)
			}
		})
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d cases after failures", f.store.Len())
	}
	if len(f.publisher.Events()) != 0 {
		t.Error("events published for failed creates")
	}
}

func TestService_Create_publishFailureDoesNotFail(t *testing.T) {
	f := newServiceFixture(t)
	f.publisher.FailWith(errors.New("broker down"))

	c, err := f.svc.Create(context.Background(), citizen(), CreateInput{
		CaseDefinitionID: "person",
		Submission:       map[string]any{"firstName": "Jan"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if f.store.Len() != 1 {
		t.Error("case not stored")
	}
	if f.logs.FilterMessage("case event publish failed").Len() != 1 {
		t.Errorf("expected a publish warning, got %v", f.logs.All())
	}
	_ = c
}

func TestService_Create_logsRedactedSubmission(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	redact := func(body map[string]any) map[string]any {
		out := make(map[string]any, len(body))
		for k := range body {
			out[k] = "[REDACTED]"
		}
		return out
	}
	f := newServiceFixture(t, WithLogger(zap.New(core)), WithSubmissionRedactor(redact))

	if _, err := f.svc.Create(context.Background(), citizen(), CreateInput{
		CaseDefinitionID: "person",
		Submission:       map[string]any{"firstName": "Jan"},
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	entries := logs.FilterMessage("case submission").All()
	if len(entries) != 1 {
		t.Fatalf("submission log entries = %d, want 1", len(entries))
	}
	sub, _ := entries[0].ContextMap()["submission"].(map[string]any)
	if sub["firstName"] != "[REDACTED]" {
		t.Errorf("logged submission = %v, want redacted", sub)
	}
	if logs.FilterMessage("case created").Len() != 1 {
		t.Error("expected a case created entry")
	}
}

func TestService_Create_noSubmissionLogWithoutRedactor(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := newServiceFixture(t, WithLogger(zap.New(core)))

	if _, err := f.svc.Create(context.Background(), citizen(), CreateInput{
		CaseDefinitionID: "person",
		Submission:       map[string]any{"firstName": "Jan"},
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if n := logs.FilterMessage("case submission").Len(); n != 0 {
		t.Errorf("submission log entries = %d, want 0", n)
	}
}

func TestService_Create_idempotent(t *testing.T) {
	f := newServiceFixture(t, WithIdempotencyStore(NewMemoryIdempotencyStore(), time.Hour))
	ctx := context.Background()
	in := CreateInput{
		CaseDefinitionID: "person",
		Submission:       map[string]any{"firstName": "Jan"},
		IdempotencyKey:   "req-1",
	}

	first, err := f.svc.Create(ctx, citizen(), in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := f.svc.Create(ctx, citizen(), in)
	if err != nil {
		t.Fatalf("repeated Create() error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("repeated create returned %q, want %q", second.ID, first.ID)
	}
	if f.store.Len() != 1 || len(f.publisher.Events()) != 1 {
		t.Errorf("store=%d events=%d, want 1/1", f.store.Len(), len(f.publisher.Events()))
	}

	in.Submission = map[string]any{"firstName": "Piet"}
	if _, err := f.svc.Create(ctx, citizen(), in); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("Create() with reused key error = %v, want CONFLICT", err)
	}
}

func createCase(t *testing.T, f serviceFixture) model.Case {
	t.Helper()
	c, err := f.svc.Create(context.Background(), citizen(), CreateInput{
		CaseDefinitionID: "person",
		Submission:       map[string]any{"firstName": "Jan"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c
}

func TestService_Get_scopedToOwner(t *testing.T) {
	f := newServiceFixture(t)
	c := createCase(t, f)
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, citizen(), c.ID); err != nil {
		t.Errorf("owner Get() error = %v", err)
	}
	if _, err := f.svc.Get(ctx, manager(), c.ID); err != nil {
		t.Errorf("manager Get() error = %v", err)
	}
	other := &model.RequestContext{SubjectID: "123456782"}
	if _, err := f.svc.Get(ctx, other, c.ID); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("other Get() error = %v, want NOT_FOUND", err)
	}
}

func TestService_List(t *testing.T) {
	f := newServiceFixture(t)
	createCase(t, f)
	createCase(t, f)
	ctx := context.Background()

	list, err := f.svc.List(ctx, citizen(), model.CaseFilters{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List() returned %d cases, want 2", len(list))
	}

	list, err = f.svc.List(ctx, &model.RequestContext{SubjectID: "someone-else"}, model.CaseFilters{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List() for other user returned %d cases", len(list))
	}
}

func TestService_UpdateSubmission(t *testing.T) {
	f := newServiceFixture(t)
	c := createCase(t, f)
	ctx := context.Background()

	next, err := f.svc.UpdateSubmission(ctx, citizen(), c.ID, []patch.Edit{{Pointer: "/lastName", Value: "Jansen"}})
	if err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}
	if next.Version != c.Version+1 {
		t.Errorf("Version = %d, want %d", next.Version, c.Version+1)
	}
	stored, _ := f.store.Get(ctx, c.ID)
	if stored.Submission["lastName"] != "Jansen" || stored.Version != next.Version {
		t.Errorf("stored = %+v", stored)
	}
	evts := f.publisher.Events()
	if evts[len(evts)-1].Type != model.EventCaseSubmissionUpdated {
		t.Errorf("last event = %q", evts[len(evts)-1].Type)
	}

	if _, err := f.svc.UpdateSubmission(ctx, citizen(), c.ID, []patch.Edit{{Pointer: "/firstName", Value: 5}}); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("invalid patch error = %v, want VALIDATION_ERROR", err)
	}
	if _, err := f.svc.UpdateSubmission(ctx, citizen(), c.ID, []patch.Edit{{Pointer: "/x/y", Value: 5}}); !model.IsCode(err, model.ErrPatchTargetNotFound) {
		t.Errorf("missing parent error = %v, want PATCH_TARGET_NOT_FOUND", err)
	}
	if _, err := f.svc.UpdateSubmission(ctx, &model.RequestContext{SubjectID: "x"}, c.ID, nil); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("non-owner error = %v, want NOT_FOUND", err)
	}
}

func TestService_ChangeStatus(t *testing.T) {
	f := newServiceFixture(t)
	c := createCase(t, f)
	ctx := context.Background()

	if _, err := f.svc.ChangeStatus(ctx, citizen(), c.ID, "b"); !model.IsCode(err, model.ErrForbidden) {
		t.Errorf("citizen ChangeStatus() error = %v, want FORBIDDEN", err)
	}

	next, err := f.svc.ChangeStatus(ctx, manager(), c.ID, "b")
	if err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}
	if next.Status.Name != "b" || len(next.StatusHistory) != 1 || next.StatusHistory[0].Name != "a" {
		t.Errorf("case = %+v", next)
	}

	stored, _ := f.store.Get(ctx, c.ID)
	if len(stored.StatusHistory) != 1 {
		t.Errorf("stored history = %+v", stored.StatusHistory)
	}

	evts := f.publisher.Events()
	last := evts[len(evts)-1]
	if last.Type != model.EventCaseStatusChanged || last.Data["previous_status"] != "a" {
		t.Errorf("last event = %+v", last)
	}

	f.observer.mu.Lock()
	op := f.observer.ops[len(f.observer.ops)-1]
	f.observer.mu.Unlock()
	if op.Operation != OpChangeStatus || op.Status != "b" || op.CaseDefinitionID != "person" {
		t.Errorf("observed op = %+v", op)
	}

	if _, err := f.svc.ChangeStatus(ctx, manager(), c.ID, "z"); !model.IsCode(err, model.ErrInvalidStatus) {
		t.Errorf("ChangeStatus(z) error = %v, want INVALID_STATUS", err)
	}
}

func TestService_conflictOnStaleVersion(t *testing.T) {
	f := newServiceFixture(t)
	c := createCase(t, f)
	ctx := context.Background()

	stale := c
	if _, err := f.svc.ChangeStatus(ctx, manager(), c.ID, "b"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Update(ctx, stale); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("stale Update() error = %v, want CONFLICT", err)
	}
}

func TestService_ApplyStatusUpdate(t *testing.T) {
	f := newServiceFixture(t)
	c := createCase(t, f)
	ctx := context.Background()

	err := f.svc.ApplyStatusUpdate(ctx, events.StatusUpdate{CaseID: c.ID, Status: "b", ExternalID: "ZAAK-1"})
	if err != nil {
		t.Fatalf("ApplyStatusUpdate() error = %v", err)
	}
	stored, _ := f.store.Get(ctx, c.ID)
	if stored.ExternalID != "ZAAK-1" || stored.Status.Name != "b" {
		t.Errorf("stored = %+v", stored)
	}
	if stored.Version != 1 {
		t.Errorf("Version = %d, want 1 (one save for both changes)", stored.Version)
	}
	evts := f.publisher.Events()
	if n := len(evts); n != 3 || evts[1].Type != model.EventCaseExternalIDAssigned || evts[2].Type != model.EventCaseStatusChanged {
		t.Errorf("events = %+v", evts)
	}

	if err := f.svc.ApplyStatusUpdate(ctx, events.StatusUpdate{CaseID: "missing", Status: "b"}); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("ApplyStatusUpdate(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestService_ApplyStatusUpdate_invalidStatusKeepsExternalID(t *testing.T) {
	f := newServiceFixture(t)
	c := createCase(t, f)
	ctx := context.Background()
	published := len(f.publisher.Events())

	err := f.svc.ApplyStatusUpdate(ctx, events.StatusUpdate{CaseID: c.ID, Status: "bogus", ExternalID: "ZAAK-9"})
	if !model.IsCode(err, model.ErrInvalidStatus) {
		t.Fatalf("ApplyStatusUpdate() error = %v, want INVALID_STATUS", err)
	}

	stored, _ := f.store.Get(ctx, c.ID)
	if stored.ExternalID != "" {
		t.Errorf("ExternalID = %q, want it left unset", stored.ExternalID)
	}
	if stored.Version != c.Version || stored.Status.Name != c.Status.Name {
		t.Errorf("stored = %+v, want the case unchanged", stored)
	}
	if n := len(f.publisher.Events()); n != published {
		t.Errorf("events = %d, want %d (nothing published)", n, published)
	}
}

func TestService_UpdateSubmission_eventCarriesPointers(t *testing.T) {
	f := newServiceFixture(t)
	c := createCase(t, f)

	_, err := f.svc.UpdateSubmission(context.Background(), citizen(), c.ID, []patch.Edit{
		{Pointer: "/lastName", Value: "Jansen"},
		{Pointer: "/firstName", Value: "Piet"},
	})
	if err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}
	evts := f.publisher.Events()
	last := evts[len(evts)-1]
	pointers, _ := last.Data["pointers"].([]string)
	if len(pointers) != 2 || pointers[0] != "/lastName" || pointers[1] != "/firstName" {
		t.Errorf("pointers = %v", last.Data["pointers"])
	}
	if _, ok := last.Data["submission"]; ok {
		t.Error("submission values must stay off the bus")
	}
}

func TestService_observerSeesFailures(t *testing.T) {
	f := newServiceFixture(t)
	_, _ = f.svc.Create(context.Background(), citizen(), CreateInput{CaseDefinitionID: "person", Submission: map[string]any{}})

	if len(f.observer.ops) != 1 {
		t.Fatalf("ops = %+v", f.observer.ops)
	}
	op := f.observer.ops[0]
	if op.Success || op.Code != model.ErrEmptyData || op.CaseDefinitionID != "person" {
		t.Errorf("op = %+v", op)
	}
}
