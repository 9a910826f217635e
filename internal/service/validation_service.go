package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/actorctx"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/logger"
	"github.com/pesio-ai/be-qa-gaps/internal/repository"
)

// GapStore is the gap persistence surface consumed by the services.
type GapStore interface {
	GetByID(ctx context.Context, id int64) (*repository.Gap, error)
	GetDetail(ctx context.Context, id int64) (*repository.GapDetail, error)
	CreateWithNumber(ctx context.Context, gap *repository.Gap) error
	ListByReport(ctx context.Context, reportID int64) ([]*repository.Gap, error)
	ListDeclaredForPair(ctx context.Context, serviceID, auditSourceID int64) ([]*repository.GapDetail, error)
	Update(ctx context.Context, gap *repository.Gap) error
	UpdateStatus(ctx context.Context, id int64, status repository.GapStatus) error
	Delete(ctx context.Context, id int64) error
}

// DecisionStore records and reads immutable validation decisions.
type DecisionStore interface {
	Record(ctx context.Context, v *repository.GapValidation, newStatus *repository.GapStatus) error
	ListForGap(ctx context.Context, gapID int64) ([]*repository.GapValidation, error)
	LastDecisions(ctx context.Context, gapIDs []int64) (map[int64]*repository.GapValidation, error)
}

// ValidatorDirectory resolves and administers validator assignments.
type ValidatorDirectory interface {
	Create(ctx context.Context, a *repository.ValidatorAssignment) error
	ValidatorsFor(ctx context.Context, serviceID, auditSourceID int64, level *int, activeOnly bool) ([]*repository.ValidatorAssignment, error)
	MaxLevel(ctx context.Context, serviceID, auditSourceID int64) (int, error)
	LevelOf(ctx context.Context, userID, serviceID, auditSourceID int64) (int, bool, error)
	AssignmentsForUser(ctx context.Context, userID int64, activeOnly bool) ([]*repository.ValidatorAssignment, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
}

// Directory is the read-only catalog of users and reference data.
type Directory interface {
	GetUser(ctx context.Context, id int64) (*repository.User, error)
	GetAuditSource(ctx context.Context, id int64) (*repository.AuditSource, error)
	GetGapType(ctx context.Context, id int64) (*repository.GapType, error)
}

// ValidationService drives the multi-level escalation workflow: it routes
// newly declared gaps to their first validator, applies validator decisions
// level by level, and finalizes gaps as retained or rejected.
type ValidationService struct {
	gaps       GapStore
	decisions  DecisionStore
	validators ValidatorDirectory
	directory  Directory
	notifier   *Notifier
	history    *HistoryRecorder
	visibility VisibilityPolicy
	log        *logger.Logger
}

// NewValidationService creates a new ValidationService.
func NewValidationService(
	gaps GapStore,
	decisions DecisionStore,
	validators ValidatorDirectory,
	directory Directory,
	notifier *Notifier,
	history *HistoryRecorder,
	log *logger.Logger,
) *ValidationService {
	return &ValidationService{
		gaps:       gaps,
		decisions:  decisions,
		validators: validators,
		directory:  directory,
		notifier:   notifier,
		history:    history,
		log:        log,
	}
}

// ── Declaration routing ───────────────────────────────────────────────────────

// OnGapDeclared routes a freshly declared gap to its level-1 validator.
// Events that are not true gaps never enter the escalation workflow, and a
// pair with no level-1 validator stalls silently by design: the gap stays
// declared until an administrator intervenes.
func (s *ValidationService) OnGapDeclared(ctx context.Context, gap *repository.GapDetail) error {
	if gap.Status != repository.StatusDeclared || !gap.TypeIsGap {
		return nil
	}

	level := 1
	assignments, err := s.validators.ValidatorsFor(ctx, gap.ServiceID, gap.AuditSourceID, &level, true)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		s.log.Debug().
			Str("gap_number", gap.GapNumber).
			Int64("service_id", gap.ServiceID).
			Msg("No level-1 validator configured; gap stays declared")
		return nil
	}

	s.notify(ctx, NotifyInput{
		UserID: assignments[0].ValidatorID,
		GapID:  &gap.ID,
		Type:   repository.NotifValidationRequest,
		Title:  fmt.Sprintf("%s - New event to validate", gap.GapNumber),
		Message: fmt.Sprintf(
			"A new gap (%s) was declared by %s and requires your validation (level 1).\n\n"+
				"Service: %s\nType: %s\nDescription: %s",
			gap.GapNumber, gap.DeclarantName, gap.ServiceName, gap.TypeName, truncate(gap.Description, 100)),
		Priority: repository.PriorityNormal,
	})

	return nil
}

// ── Decisions ────────────────────────────────────────────────────────────────

// Decide applies a validator's ruling on a gap. The level is auto-detected
// from the validator's assignment unless explicitly supplied. Returns true
// when the decision finalized the gap (rejected, or approved at the maximum
// configured level) and false when it escalated to the next level.
func (s *ValidationService) Decide(
	ctx context.Context,
	gapID, validatorID int64,
	action repository.ValidationAction,
	comment string,
	level *int,
) (terminal bool, err error) {
	if action != repository.ActionApproved && action != repository.ActionRejected {
		return false, errors.InvalidInput("action", "action must be approved or rejected")
	}

	gap, err := s.gaps.GetDetail(ctx, gapID)
	if err != nil {
		return false, err
	}
	if gap.Status != repository.StatusDeclared {
		return false, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("gap %s is already finalized (status: %s) and can no longer be validated", gap.GapNumber, gap.Status))
	}
	if !gap.TypeIsGap {
		return false, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("event %s does not go through multi-level validation", gap.GapNumber))
	}

	decisionLevel := 0
	if level != nil {
		decisionLevel = *level
	} else {
		resolved, held, err := s.validators.LevelOf(ctx, validatorID, gap.ServiceID, gap.AuditSourceID)
		if err != nil {
			return false, err
		}
		if !held {
			return false, errors.New(errors.ErrCodeUnauthorized, "you are not authorized to validate this gap")
		}
		decisionLevel = resolved
	}
	if decisionLevel < repository.MinLevel || decisionLevel > repository.MaxLevel {
		return false, errors.InvalidInput("level", "level must be between 1 and 3")
	}

	validator, err := s.directory.GetUser(ctx, validatorID)
	if err != nil {
		return false, err
	}

	maxLevel, err := s.validators.MaxLevel(ctx, gap.ServiceID, gap.AuditSourceID)
	if err != nil {
		return false, err
	}

	decision := &repository.GapValidation{
		GapID:       gap.ID,
		ValidatorID: validatorID,
		Level:       decisionLevel,
		Action:      action,
	}
	if comment != "" {
		decision.Comment = &comment
	}

	// The status mutation rides in the same transaction as the decision
	// insert; a concurrent decision at the same level loses on the unique
	// (gap, level) index.
	var newStatus *repository.GapStatus
	switch {
	case action == repository.ActionRejected:
		newStatus = statusPtr(repository.StatusRejected)
	case decisionLevel >= maxLevel:
		newStatus = statusPtr(repository.StatusRetained)
	}

	if err := s.decisions.Record(ctx, decision, newStatus); err != nil {
		return false, err
	}

	// The validator has acted: their pending requests for this gap resolve.
	s.notifier.ResolveValidationRequests(ctx, gap.ID, validatorID)

	if newStatus != nil {
		s.recordStatusChange(ctx, gap, *newStatus)
	}

	switch {
	case action == repository.ActionRejected:
		s.notifyRejected(ctx, gap, validator, decisionLevel, comment)
		terminal = true

	case decisionLevel >= maxLevel:
		s.notifyRetained(ctx, gap, validator)
		terminal = true

	default:
		if err := s.escalate(ctx, gap, validator, decisionLevel); err != nil {
			return false, err
		}
		terminal = false
	}

	s.log.Info().
		Str("gap_number", gap.GapNumber).
		Int64("validator_id", validatorID).
		Str("action", string(action)).
		Int("level", decisionLevel).
		Bool("terminal", terminal).
		Msg("Validation decision recorded")

	return terminal, nil
}

// notifyRejected tells the declarant their gap was rejected and confirms the
// action to the validator.
func (s *ValidationService) notifyRejected(ctx context.Context, gap *repository.GapDetail, validator *repository.User, level int, comment string) {
	message := fmt.Sprintf("Your event %s was rejected at level %d by %s.", gap.GapNumber, level, validator.FullName())
	if comment != "" {
		message += fmt.Sprintf("\nComment: %s", comment)
	}

	s.notify(ctx, NotifyInput{
		UserID:   gap.DeclaredBy,
		GapID:    &gap.ID,
		Type:     repository.NotifGapRejected,
		Title:    fmt.Sprintf("%s - Event not retained", gap.GapNumber),
		Message:  message,
		Priority: repository.PriorityHigh,
	})

	s.notify(ctx, NotifyInput{
		UserID:   validator.ID,
		GapID:    &gap.ID,
		Type:     repository.NotifValidationCompleted,
		Title:    fmt.Sprintf("%s - Decision recorded: not retained", gap.GapNumber),
		Message:  fmt.Sprintf("You rejected event %s. The declarant has been notified.", gap.GapNumber),
		Priority: repository.PriorityNormal,
	})
}

// notifyRetained tells the declarant their gap passed the full validation
// chain and confirms the action to the final validator.
func (s *ValidationService) notifyRetained(ctx context.Context, gap *repository.GapDetail, validator *repository.User) {
	s.notify(ctx, NotifyInput{
		UserID:   gap.DeclaredBy,
		GapID:    &gap.ID,
		Type:     repository.NotifGapRetained,
		Title:    fmt.Sprintf("%s - Event retained", gap.GapNumber),
		Message:  fmt.Sprintf("Your event %s was retained after full validation by %s.", gap.GapNumber, validator.FullName()),
		Priority: repository.PriorityHigh,
	})

	s.notify(ctx, NotifyInput{
		UserID:   validator.ID,
		GapID:    &gap.ID,
		Type:     repository.NotifValidationCompleted,
		Title:    fmt.Sprintf("%s - Decision recorded: retained", gap.GapNumber),
		Message:  fmt.Sprintf("You approved event %s. The event is now retained and the declarant has been notified.", gap.GapNumber),
		Priority: repository.PriorityNormal,
	})
}

// escalate confirms the approval to the acting validator and hands the gap
// to the next level's validator. The gap's status stays declared; only the
// active level advances, implicitly, through the recorded decisions. A
// missing next-level validator stalls silently by design.
func (s *ValidationService) escalate(ctx context.Context, gap *repository.GapDetail, validator *repository.User, level int) error {
	nextLevel := level + 1

	s.notify(ctx, NotifyInput{
		UserID:   validator.ID,
		GapID:    &gap.ID,
		Type:     repository.NotifValidationCompleted,
		Title:    fmt.Sprintf("%s - Decision recorded: approved", gap.GapNumber),
		Message:  fmt.Sprintf("You approved event %s. It now moves to level %d.", gap.GapNumber, nextLevel),
		Priority: repository.PriorityNormal,
	})

	assignments, err := s.validators.ValidatorsFor(ctx, gap.ServiceID, gap.AuditSourceID, &nextLevel, true)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		s.log.Debug().
			Str("gap_number", gap.GapNumber).
			Int("next_level", nextLevel).
			Msg("No validator configured at next level; escalation stalls")
		return nil
	}

	s.notify(ctx, NotifyInput{
		UserID: assignments[0].ValidatorID,
		GapID:  &gap.ID,
		Type:   repository.NotifValidationRequest,
		Title:  fmt.Sprintf("%s - Event to validate (level %d)", gap.GapNumber, nextLevel),
		Message: fmt.Sprintf(
			"Gap %s was approved at level %d by %s and now requires your validation (level %d).\n\n"+
				"Service: %s\nType: %s\nDescription: %s",
			gap.GapNumber, level, validator.FullName(), nextLevel,
			gap.ServiceName, gap.TypeName, truncate(gap.Description, 100)),
		Priority: repository.PriorityNormal,
	})

	return nil
}

// ── Pending validations ──────────────────────────────────────────────────────

// PendingFor returns the gaps currently awaiting this validator's decision,
// across every active assignment they hold. A gap is pending at level L when
// its highest recorded decision is an approval at L-1 (or when it has no
// decision and L is 1); a rejected gap is pending for nobody.
func (s *ValidationService) PendingFor(ctx context.Context, validatorID int64) ([]*repository.GapDetail, error) {
	assignments, err := s.validators.AssignmentsForUser(ctx, validatorID, true)
	if err != nil {
		return nil, err
	}

	var pending []*repository.GapDetail
	seen := make(map[int64]bool)

	for _, assignment := range assignments {
		details, err := s.gaps.ListDeclaredForPair(ctx, assignment.ServiceID, assignment.AuditSourceID)
		if err != nil {
			return nil, err
		}
		if len(details) == 0 {
			continue
		}

		ids := make([]int64, 0, len(details))
		for _, d := range details {
			ids = append(ids, d.ID)
		}
		last, err := s.decisions.LastDecisions(ctx, ids)
		if err != nil {
			return nil, err
		}

		for _, d := range details {
			if seen[d.ID] {
				continue
			}
			if currentLevelIs(last[d.ID], assignment.Level) {
				pending = append(pending, d)
				seen[d.ID] = true
			}
		}
	}

	return pending, nil
}

// currentLevelIs reports whether a gap whose highest decision is last is
// currently waiting at the given level.
func currentLevelIs(last *repository.GapValidation, level int) bool {
	if last == nil {
		return level == repository.MinLevel
	}
	if last.Action == repository.ActionRejected {
		return false
	}
	return level == last.Level+1
}

// ── Administrative status override ───────────────────────────────────────────

// ChangeStatus applies a direct status change outside the decision flow,
// gated by the visibility policy (admins get the full set; declarants may
// only cancel their own declared gaps).
func (s *ValidationService) ChangeStatus(ctx context.Context, gapID, actorID int64, newStatus repository.GapStatus, comment string) error {
	gap, err := s.gaps.GetDetail(ctx, gapID)
	if err != nil {
		return err
	}
	actor, err := s.directory.GetUser(ctx, actorID)
	if err != nil {
		return err
	}

	if !s.visibility.CanTransition(gap, actor, newStatus) {
		return errors.New(errors.ErrCodeUnauthorized, "you are not allowed to apply this status change")
	}
	if newStatus == gap.Status {
		return errors.InvalidInput("status", "the gap already has this status")
	}

	if err := s.gaps.UpdateStatus(ctx, gap.ID, newStatus); err != nil {
		return err
	}

	s.recordStatusChange(ctx, gap, newStatus)

	if actor.ID != gap.DeclaredBy {
		message := fmt.Sprintf("The status of event %s was changed from %q to %q by %s.",
			gap.GapNumber, repository.StatusLabel(gap.Status), repository.StatusLabel(newStatus), actor.FullName())
		if comment != "" {
			message += fmt.Sprintf("\nComment: %s", comment)
		}
		s.notify(ctx, NotifyInput{
			UserID:   gap.DeclaredBy,
			GapID:    &gap.ID,
			Type:     repository.NotifGapStatusChanged,
			Title:    fmt.Sprintf("%s - Status changed", gap.GapNumber),
			Message:  message,
			Priority: repository.PriorityNormal,
		})
	}

	s.log.Info().
		Str("gap_number", gap.GapNumber).
		Str("old_status", string(gap.Status)).
		Str("new_status", string(newStatus)).
		Int64("actor_id", actorID).
		Msg("Gap status changed")

	return nil
}

// ── Decisions & assignments: queries and administration ─────────────────────

// DecisionsFor returns a gap's recorded decisions, lowest level first.
func (s *ValidationService) DecisionsFor(ctx context.Context, gapID int64) ([]*repository.GapValidation, error) {
	if _, err := s.gaps.GetByID(ctx, gapID); err != nil {
		return nil, err
	}
	return s.decisions.ListForGap(ctx, gapID)
}

// AssignValidator binds a user to an escalation level for a (service, audit
// source) pair. Administrators only.
func (s *ValidationService) AssignValidator(ctx context.Context, serviceID, auditSourceID, validatorID int64, level int) (*repository.ValidatorAssignment, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if _, err := s.directory.GetUser(ctx, validatorID); err != nil {
		return nil, err
	}
	if _, err := s.directory.GetAuditSource(ctx, auditSourceID); err != nil {
		return nil, err
	}

	assignment := &repository.ValidatorAssignment{
		ServiceID:     serviceID,
		AuditSourceID: auditSourceID,
		ValidatorID:   validatorID,
		Level:         level,
		IsActive:      true,
	}
	if err := s.validators.Create(ctx, assignment); err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("service_id", serviceID).
		Int64("audit_source_id", auditSourceID).
		Int64("validator_id", validatorID).
		Int("level", level).
		Msg("Validator assigned")

	return assignment, nil
}

// ListValidators returns the assignments for a (service, audit source) pair.
func (s *ValidationService) ListValidators(ctx context.Context, serviceID, auditSourceID int64) ([]*repository.ValidatorAssignment, error) {
	return s.validators.ValidatorsFor(ctx, serviceID, auditSourceID, nil, false)
}

// SetAssignmentActive toggles an assignment. Administrators only.
func (s *ValidationService) SetAssignmentActive(ctx context.Context, id int64, active bool) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.validators.SetActive(ctx, id, active)
}

// RemoveAssignment deletes an assignment. Administrators only. Decisions
// already recorded by the validator are untouched.
func (s *ValidationService) RemoveAssignment(ctx context.Context, id int64) error {
	if err := s.requireAdmin(ctx); err != nil {
		return err
	}
	return s.validators.Delete(ctx, id)
}

func (s *ValidationService) requireAdmin(ctx context.Context) error {
	actor, ok := actorctx.From(ctx)
	if !ok || !actor.IsAdmin() {
		return errors.New(errors.ErrCodeUnauthorized, "administrator rights required")
	}
	return nil
}

// ── internal helpers ─────────────────────────────────────────────────────────

// recordStatusChange writes the status-change history entry for a mutation
// already persisted.
func (s *ValidationService) recordStatusChange(ctx context.Context, gap *repository.GapDetail, newStatus repository.GapStatus) {
	before := GapSnapshot(&gap.Gap)
	updated := gap.Gap
	updated.Status = newStatus
	after := GapSnapshot(&updated)

	s.history.RecordUpdate(ctx, UpdateRecord{
		Kind:     repository.TargetGap,
		TargetID: gap.ID,
		ReportID: &gap.ReportID,
		GapID:    &gap.ID,
		Repr:     gap.GapNumber,
		Before:   before,
		After:    after,
	})
}

// notify persists a notification, logging instead of failing: a notification
// write problem never aborts a decision already committed.
func (s *ValidationService) notify(ctx context.Context, in NotifyInput) {
	if _, err := s.notifier.Notify(ctx, in); err != nil {
		s.log.Warn().Err(err).
			Int64("user_id", in.UserID).
			Str("type", in.Type).
			Msg("Failed to create notification")
	}
}

func statusPtr(s repository.GapStatus) *repository.GapStatus { return &s }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
