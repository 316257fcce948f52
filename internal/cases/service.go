package cases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/caseportal/internal/events"
	"github.com/pitabwire/caseportal/internal/patch"
	"github.com/pitabwire/caseportal/model"
)

const tracerName = "github.com/pitabwire/caseportal/internal/cases"

// Operation names reported to observers.
const (
	OpCreate            = "create"
	OpGet               = "get"
	OpList              = "list"
	OpUpdateSubmission  = "update_submission"
	OpChangeStatus      = "change_status"
	OpAssignExternalID  = "assign_external_id"
	OpApplyStatusUpdate = "apply_status_update"
)

// SystemSubject is the subject used for updates arriving from the message bus.
const SystemSubject = "system:status-consumer"

// DefinitionLookup resolves case definitions by ID.
type DefinitionLookup interface {
	Lookup(ctx context.Context, id string) (model.CaseDefinition, error)
}

// CaseObserver receives the outcome of every case operation.
type CaseObserver interface {
	OnCaseOperation(ctx context.Context, op CaseOperation)
}

// CaseOperation describes the outcome of a case operation. Status is the
// case status after a successful create or status change.
type CaseOperation struct {
	Operation        string        `json:"operation"`
	CaseDefinitionID string        `json:"case_definition_id"`
	Status           string        `json:"status,omitempty"`
	Success          bool          `json:"success"`
	Code             string        `json:"code,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// CreateInput is the input of Service.Create.
type CreateInput struct {
	CaseDefinitionID string
	Submission       map[string]any
	Status           string
	IdempotencyKey   string
}

// Service runs the case use cases against persistence and the event bus.
// Events are published after the change is stored; a failed publish is
// logged and never fails the operation.
type Service struct {
	store          CaseStore
	definitions    DefinitionLookup
	aggregate      *Aggregate
	publisher      events.Publisher
	idempotency    IdempotencyStore
	idempotencyTTL time.Duration
	observers      []CaseObserver
	logger         *zap.Logger
	redact         func(map[string]any) map[string]any
	tracer         trace.Tracer
}

// ServiceOption configures optional dependencies.
type ServiceOption func(*Service)

// WithIdempotencyStore enables Idempotency-Key handling on Create.
func WithIdempotencyStore(store IdempotencyStore, ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.idempotency = store
		s.idempotencyTTL = ttl
	}
}

// WithObserver adds a case observer.
func WithObserver(obs CaseObserver) ServiceOption {
	return func(s *Service) { s.observers = append(s.observers, obs) }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithSubmissionRedactor enables debug logging of stored submissions, passed
// through redact first. Without it submissions are never logged.
func WithSubmissionRedactor(redact func(map[string]any) map[string]any) ServiceOption {
	return func(s *Service) { s.redact = redact }
}

// NewService creates a Service with its required dependencies.
func NewService(
	store CaseStore,
	definitions DefinitionLookup,
	aggregate *Aggregate,
	publisher events.Publisher,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		store:          store,
		definitions:    definitions,
		aggregate:      aggregate,
		publisher:      publisher,
		idempotencyTTL: 24 * time.Hour,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create creates a case for the requesting subject.
func (s *Service) Create(ctx context.Context, rctx *model.RequestContext, in CreateInput) (c model.Case, err error) {
	ctx, op, done := s.begin(ctx, OpCreate, in.CaseDefinitionID)
	defer func() { done(err) }()

	if err := requireSubject(rctx); err != nil {
		return model.Case{}, err
	}

	var idemKey, hash string
	if in.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = FormatIdempotencyKey(rctx.SubjectID, in.IdempotencyKey)
		hash = hashCreateInput(in)
		cached, found, err := s.idempotency.Check(ctx, idemKey, hash)
		if err != nil {
			return model.Case{}, err
		}
		if found && cached != nil {
			op.Status = cached.Status.Name
			return *cached, nil
		}
	}

	def, err := s.definitions.Lookup(ctx, in.CaseDefinitionID)
	if err != nil {
		return model.Case{}, err
	}

	c, err = s.aggregate.Create(def, in.Submission, rctx.SubjectID, in.Status)
	if err != nil {
		return model.Case{}, err
	}
	if err := s.store.Create(ctx, c); err != nil {
		return model.Case{}, err
	}

	op.Status = c.Status.Name
	s.logger.Info("case created",
		zap.String("case_id", c.ID),
		zap.String("case_definition_id", c.CaseDefinitionID),
		zap.String("status", c.Status.Name),
	)
	s.logSubmission(c)
	s.publish(ctx, events.CaseCreated(c, in.Submission))

	if idemKey != "" {
		if err := s.idempotency.Store(ctx, idemKey, hash, c, s.idempotencyTTL); err != nil {
			s.logger.Warn("idempotency store failed", zap.String("case_id", c.ID), zap.Error(err))
		}
	}
	return c, nil
}

// Get returns a case visible to the requesting subject. Cases owned by
// someone else are reported as not found unless the subject is a case
// manager.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, caseID string) (c model.Case, err error) {
	ctx, _, done := s.begin(ctx, OpGet, "")
	defer func() { done(err) }()

	if err := requireSubject(rctx); err != nil {
		return model.Case{}, err
	}
	return s.load(ctx, rctx, caseID)
}

// List returns the requesting subject's own cases.
func (s *Service) List(ctx context.Context, rctx *model.RequestContext, filters model.CaseFilters) (list []model.Case, err error) {
	ctx, _, done := s.begin(ctx, OpList, filters.CaseDefinitionID)
	defer func() { done(err) }()

	if err := requireSubject(rctx); err != nil {
		return nil, err
	}
	return s.store.ListByUser(ctx, rctx.SubjectID, filters)
}

// UpdateSubmission patches the submission of a case and re-validates it
// against the case's own definition.
func (s *Service) UpdateSubmission(ctx context.Context, rctx *model.RequestContext, caseID string, edits []patch.Edit) (c model.Case, err error) {
	ctx, op, done := s.begin(ctx, OpUpdateSubmission, "")
	defer func() { done(err) }()

	if err := requireSubject(rctx); err != nil {
		return model.Case{}, err
	}
	current, def, err := s.loadWithDefinition(ctx, rctx, caseID)
	if err != nil {
		return model.Case{}, err
	}
	op.CaseDefinitionID = def.ID

	next, err := s.aggregate.UpdateSubmission(def, current, edits)
	if err != nil {
		return model.Case{}, err
	}
	if next, err = s.save(ctx, next); err != nil {
		return model.Case{}, err
	}

	s.logSubmission(next)
	s.publish(ctx, events.SubmissionUpdated(next, editedPointers(edits)))
	return next, nil
}

// ChangeStatus moves a case to a new status. Only case managers may do this.
func (s *Service) ChangeStatus(ctx context.Context, rctx *model.RequestContext, caseID, status string) (c model.Case, err error) {
	ctx, op, done := s.begin(ctx, OpChangeStatus, "")
	defer func() { done(err) }()

	if err := requireManager(rctx); err != nil {
		return model.Case{}, err
	}
	current, def, err := s.loadWithDefinition(ctx, rctx, caseID)
	if err != nil {
		return model.Case{}, err
	}
	op.CaseDefinitionID = def.ID

	next, err := s.aggregate.ChangeStatus(def, current, status)
	if err != nil {
		return model.Case{}, err
	}
	if next, err = s.save(ctx, next); err != nil {
		return model.Case{}, err
	}

	op.Status = next.Status.Name
	s.publish(ctx, events.StatusChanged(next, current.Status))
	return next, nil
}

// AssignExternalID records the external case-management id of a case. Only
// case managers may do this.
func (s *Service) AssignExternalID(ctx context.Context, rctx *model.RequestContext, caseID, externalID string) (c model.Case, err error) {
	ctx, _, done := s.begin(ctx, OpAssignExternalID, "")
	defer func() { done(err) }()

	if err := requireManager(rctx); err != nil {
		return model.Case{}, err
	}
	current, err := s.load(ctx, rctx, caseID)
	if err != nil {
		return model.Case{}, err
	}

	next, err := s.aggregate.AssignExternalID(current, externalID)
	if err != nil {
		return model.Case{}, err
	}
	if next, err = s.save(ctx, next); err != nil {
		return model.Case{}, err
	}

	s.publish(ctx, events.ExternalIDAssigned(next))
	return next, nil
}

// ApplyStatusUpdate applies an update received from the message bus. The
// external id and the status change are applied to one loaded copy and
// stored together, so a rejected status leaves the external id unchanged.
func (s *Service) ApplyStatusUpdate(ctx context.Context, u events.StatusUpdate) (err error) {
	ctx, op, done := s.begin(ctx, OpApplyStatusUpdate, "")
	defer func() { done(err) }()

	rctx := &model.RequestContext{
		SubjectID:   SystemSubject,
		SubjectKind: model.SubjectStaff,
		Roles:       []string{model.RoleCaseManager},
	}
	current, def, err := s.loadWithDefinition(ctx, rctx, u.CaseID)
	if err != nil {
		return err
	}
	op.CaseDefinitionID = def.ID

	next := current
	if u.ExternalID != "" {
		if next, err = s.aggregate.AssignExternalID(next, u.ExternalID); err != nil {
			return err
		}
	}
	if u.Status != "" {
		if next, err = s.aggregate.ChangeStatus(def, next, u.Status); err != nil {
			return err
		}
	}
	if next, err = s.save(ctx, next); err != nil {
		return err
	}

	if u.ExternalID != "" {
		s.publish(ctx, events.ExternalIDAssigned(next))
	}
	if u.Status != "" {
		op.Status = next.Status.Name
		s.publish(ctx, events.StatusChanged(next, current.Status))
	}
	return nil
}

func (s *Service) load(ctx context.Context, rctx *model.RequestContext, caseID string) (model.Case, error) {
	c, err := s.store.Get(ctx, caseID)
	if err != nil {
		return model.Case{}, err
	}
	if !c.OwnedBy(rctx.SubjectID) && !rctx.HasRole(model.RoleCaseManager) {
		return model.Case{}, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	return c, nil
}

func (s *Service) loadWithDefinition(ctx context.Context, rctx *model.RequestContext, caseID string) (model.Case, model.CaseDefinition, error) {
	c, err := s.load(ctx, rctx, caseID)
	if err != nil {
		return model.Case{}, model.CaseDefinition{}, err
	}
	def, err := s.definitions.Lookup(ctx, c.CaseDefinitionID)
	if err != nil {
		return model.Case{}, model.CaseDefinition{}, err
	}
	return c, def, nil
}

// save stores next and returns it carrying the incremented version.
func (s *Service) save(ctx context.Context, next model.Case) (model.Case, error) {
	if err := s.store.Update(ctx, next); err != nil {
		return model.Case{}, err
	}
	next.Version++
	return next, nil
}

func (s *Service) logSubmission(c model.Case) {
	if s.redact == nil {
		return
	}
	if ce := s.logger.Check(zap.DebugLevel, "case submission"); ce != nil {
		ce.Write(zap.String("case_id", c.ID), zap.Any("submission", s.redact(c.Submission)))
	}
}

func (s *Service) publish(ctx context.Context, evt model.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("case event publish failed",
			zap.String("event_type", evt.Type),
			zap.String("case_id", evt.CaseID),
			zap.Error(err),
		)
	}
}

// begin starts a span for op. The returned CaseOperation may be filled in
// by the caller; the returned function ends the span and notifies observers.
func (s *Service) begin(ctx context.Context, op, definitionID string) (context.Context, *CaseOperation, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "cases."+op, trace.WithAttributes(
		attribute.String("case.operation", op),
	))
	event := &CaseOperation{Operation: op, CaseDefinitionID: definitionID}
	return ctx, event, func(err error) {
		if event.CaseDefinitionID != "" {
			span.SetAttributes(attribute.String("case.definition_id", event.CaseDefinitionID))
		}
		if err != nil {
			event.Code = model.ErrorCode(err)
			event.Status = ""
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		event.Success = err == nil
		event.Duration = time.Since(start)
		for _, obs := range s.observers {
			obs.OnCaseOperation(ctx, *event)
		}
	}
}

func requireSubject(rctx *model.RequestContext) error {
	if rctx == nil || rctx.SubjectID == "" {
		return model.NewUnauthorizedError("missing subject")
	}
	return nil
}

func requireManager(rctx *model.RequestContext) error {
	if err := requireSubject(rctx); err != nil {
		return err
	}
	if !rctx.HasRole(model.RoleCaseManager) {
		return model.NewForbiddenError("case manager role required")
	}
	return nil
}

func editedPointers(edits []patch.Edit) []string {
	pointers := make([]string, len(edits))
	for i, e := range edits {
		pointers[i] = e.Pointer
	}
	return pointers
}

func hashCreateInput(in CreateInput) string {
	data, _ := json.Marshal(struct {
		CaseDefinitionID string         `json:"case_definition_id"`
		Submission       map[string]any `json:"submission"`
		Status           string         `json:"status"`
	}{in.CaseDefinitionID, in.Submission, in.Status})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
