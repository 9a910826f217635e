package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/actorctx"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/logger"
	"github.com/pesio-ai/be-qa-gaps/internal/repository"
)

// allocationAttempts bounds the identifier allocator retry loop. Each retry
// re-reads the current maximum sequence, so a loser of one race wins the next
// unless contention is pathological.
const allocationAttempts = 3

// ReportStore is the report persistence surface consumed by the services.
type ReportStore interface {
	Create(ctx context.Context, r *repository.GapReport) error
	GetByID(ctx context.Context, id int64) (*repository.GapReport, error)
	List(ctx context.Context, limit, offset int) ([]*repository.GapReport, error)
	Update(ctx context.Context, r *repository.GapReport) error
	Delete(ctx context.Context, id int64) error
	GapCount(ctx context.Context, reportID int64) (int, error)
}

// GapService handles report and gap lifecycle: declaration, identifier
// allocation, edits, deletion. Validation decisions live in
// ValidationService.
type GapService struct {
	reports    ReportStore
	gaps       GapStore
	directory  Directory
	validation *ValidationService
	notifier   *Notifier
	history    *HistoryRecorder
	visibility VisibilityPolicy
	log        *logger.Logger
}

// NewGapService creates a new GapService.
func NewGapService(
	reports ReportStore,
	gaps GapStore,
	directory Directory,
	validation *ValidationService,
	notifier *Notifier,
	history *HistoryRecorder,
	log *logger.Logger,
) *GapService {
	return &GapService{
		reports:    reports,
		gaps:       gaps,
		directory:  directory,
		validation: validation,
		notifier:   notifier,
		history:    history,
		log:        log,
	}
}

// ── Reports ──────────────────────────────────────────────────────────────────

// CreateReportInput carries a new declaration header.
type CreateReportInput struct {
	AuditSourceID   int64
	SourceReference *string
	ServiceID       int64
	ProcessID       *int64
	Location        *string
	ObservationDate time.Time
	InvolvedUserIDs []int64
}

// CreateReport validates and persists a declaration header. The declarant is
// the acting user. Involved users are notified of their involvement.
func (s *GapService) CreateReport(ctx context.Context, in CreateReportInput) (*repository.GapReport, error) {
	actor, ok := actorctx.From(ctx)
	if !ok {
		return nil, errors.New(errors.ErrCodeUnauthorized, "no acting user")
	}

	source, err := s.directory.GetAuditSource(ctx, in.AuditSourceID)
	if err != nil {
		return nil, err
	}
	if err := validateProcess(source, in.ProcessID); err != nil {
		return nil, err
	}
	if in.ObservationDate.After(time.Now()) {
		return nil, errors.InvalidInput("observation_date", "observation date cannot be in the future")
	}

	report := &repository.GapReport{
		AuditSourceID:   in.AuditSourceID,
		SourceReference: in.SourceReference,
		ServiceID:       in.ServiceID,
		ProcessID:       in.ProcessID,
		Location:        in.Location,
		ObservationDate: in.ObservationDate,
		DeclaredBy:      actor.UserID,
		InvolvedUserIDs: in.InvolvedUserIDs,
	}
	if err := s.reports.Create(ctx, report); err != nil {
		return nil, err
	}

	repr := fmt.Sprintf("#%d", report.ID)
	s.history.RecordCreation(ctx, repository.TargetReport, report.ID, &report.ID, nil, repr, ReportSnapshot(report))

	declarant, err := s.directory.GetUser(ctx, actor.UserID)
	if err == nil {
		s.notifyInvolved(ctx, report, declarant, report.InvolvedUserIDs)
	}

	s.log.Info().
		Int64("report_id", report.ID).
		Int64("declared_by", actor.UserID).
		Msg("Report created")

	return report, nil
}

// GetReport returns one report.
func (s *GapService) GetReport(ctx context.Context, id int64) (*repository.GapReport, error) {
	return s.reports.GetByID(ctx, id)
}

// ListReports returns reports, newest first.
func (s *GapService) ListReports(ctx context.Context, limit, offset int) ([]*repository.GapReport, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.reports.List(ctx, limit, offset)
}

// UpdateReportInput carries the editable report fields. Nil pointers leave
// fields untouched; InvolvedUserIDs nil leaves the involvement set untouched.
type UpdateReportInput struct {
	AuditSourceID   *int64
	SourceReference *string
	ProcessID       *int64
	ClearProcess    bool
	Location        *string
	ObservationDate *time.Time
	InvolvedUserIDs []int64
}

// UpdateReport edits a declaration header. The audit source is immutable once
// the report carries gaps: gap numbers and validator routing both derive from
// it. Involvement changes get specialized history entries and notifications.
func (s *GapService) UpdateReport(ctx context.Context, id int64, in UpdateReportInput) (*repository.GapReport, error) {
	report, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	before := ReportSnapshot(report)
	beforeInvolved := append([]int64(nil), report.InvolvedUserIDs...)

	if in.AuditSourceID != nil && *in.AuditSourceID != report.AuditSourceID {
		count, err := s.reports.GapCount(ctx, report.ID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, errors.New(errors.ErrCodeConflict,
				"the audit source cannot change once the report has declared gaps")
		}
		report.AuditSourceID = *in.AuditSourceID
	}
	if in.SourceReference != nil {
		report.SourceReference = in.SourceReference
	}
	if in.ClearProcess {
		report.ProcessID = nil
	} else if in.ProcessID != nil {
		report.ProcessID = in.ProcessID
	}
	if in.Location != nil {
		report.Location = in.Location
	}
	if in.ObservationDate != nil {
		if in.ObservationDate.After(time.Now()) {
			return nil, errors.InvalidInput("observation_date", "observation date cannot be in the future")
		}
		report.ObservationDate = *in.ObservationDate
	}
	if in.InvolvedUserIDs != nil {
		report.InvolvedUserIDs = in.InvolvedUserIDs
	}

	source, err := s.directory.GetAuditSource(ctx, report.AuditSourceID)
	if err != nil {
		return nil, err
	}
	if err := validateProcess(source, report.ProcessID); err != nil {
		return nil, err
	}

	if err := s.reports.Update(ctx, report); err != nil {
		return nil, err
	}

	repr := fmt.Sprintf("#%d", report.ID)
	s.history.RecordUpdate(ctx, UpdateRecord{
		Kind:     repository.TargetReport,
		TargetID: report.ID,
		ReportID: &report.ID,
		Repr:     repr,
		Before:   before,
		After:    ReportSnapshot(report),
	})

	added, removed := diffIDs(beforeInvolved, report.InvolvedUserIDs)
	if len(added) > 0 || len(removed) > 0 {
		s.history.RecordInvolvementChange(ctx, report.ID, repr, added, removed)
		if declarant, err := s.directory.GetUser(ctx, report.DeclaredBy); err == nil {
			s.notifyInvolved(ctx, report, declarant, added)
		}
	}

	return report, nil
}

// notifyInvolved informs users newly marked as involved in a report. The
// declarant never gets an involvement notice for their own report.
func (s *GapService) notifyInvolved(ctx context.Context, report *repository.GapReport, declarant *repository.User, userIDs []int64) {
	for _, userID := range userIDs {
		if userID == report.DeclaredBy {
			continue
		}
		s.notify(ctx, NotifyInput{
			UserID:   userID,
			ReportID: &report.ID,
			Type:     repository.NotifDeclarationInvolved,
			Title:    fmt.Sprintf("Report #%d - You are marked as involved", report.ID),
			Message: fmt.Sprintf("%s marked you as involved in declaration report #%d.",
				declarant.FullName(), report.ID),
			Priority: repository.PriorityNormal,
		})
	}
}

// ── Gap declaration ──────────────────────────────────────────────────────────

// DeclareGapInput carries a new gap under an existing report.
type DeclareGapInput struct {
	ReportID    int64
	GapTypeID   int64
	Description string
}

// DeclareGap creates a gap under a report, allocating the next gap number.
// Allocation races lose on the (report, seq) unique index and are retried
// with fresh reads; after allocationAttempts failures the declaration
// surfaces a conflict. Numbering always extends from the current maximum, so
// a deleted gap's number is never reissued.
func (s *GapService) DeclareGap(ctx context.Context, in DeclareGapInput) (*repository.Gap, error) {
	actor, ok := actorctx.From(ctx)
	if !ok {
		return nil, errors.New(errors.ErrCodeUnauthorized, "no acting user")
	}
	if in.Description == "" {
		return nil, errors.InvalidInput("description", "description is required")
	}

	report, err := s.reports.GetByID(ctx, in.ReportID)
	if err != nil {
		return nil, err
	}
	gapType, err := s.directory.GetGapType(ctx, in.GapTypeID)
	if err != nil {
		return nil, err
	}
	if gapType.AuditSourceID != report.AuditSourceID {
		return nil, errors.InvalidInput("gap_type",
			"the gap type does not belong to the report's audit source")
	}

	gap := &repository.Gap{
		ReportID:    report.ID,
		GapTypeID:   in.GapTypeID,
		Description: in.Description,
		Status:      repository.StatusDeclared,
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), allocationAttempts-1), ctx)
	err = backoff.Retry(func() error {
		if err := s.gaps.CreateWithNumber(ctx, gap); err != nil {
			if err == repository.ErrAllocationConflict {
				s.log.Debug().Int64("report_id", report.ID).Msg("Gap number allocation lost a race, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
	if err != nil {
		if err == repository.ErrAllocationConflict {
			return nil, errors.New(errors.ErrCodeConflict,
				"could not allocate a gap number under concurrent declarations, please retry")
		}
		return nil, err
	}

	s.history.RecordCreation(ctx, repository.TargetGap, gap.ID, &report.ID, &gap.ID, gap.GapNumber, GapSnapshot(gap))

	detail, err := s.gaps.GetDetail(ctx, gap.ID)
	if err != nil {
		return nil, err
	}
	if err := s.validation.OnGapDeclared(ctx, detail); err != nil {
		s.log.Warn().Err(err).Str("gap_number", gap.GapNumber).Msg("Failed to route gap to its first validator")
	}

	for _, userID := range report.InvolvedUserIDs {
		if userID == actor.UserID {
			continue
		}
		s.notify(ctx, NotifyInput{
			UserID:   userID,
			GapID:    &gap.ID,
			ReportID: &report.ID,
			Type:     repository.NotifGapCreated,
			Title:    fmt.Sprintf("%s - New event declared", gap.GapNumber),
			Message: fmt.Sprintf("Event %s (%s) was declared by %s on a report you are involved in.",
				gap.GapNumber, gapType.Name, detail.DeclarantName),
			Priority: repository.PriorityNormal,
		})
	}

	s.log.Info().
		Str("gap_number", gap.GapNumber).
		Int64("report_id", report.ID).
		Bool("is_gap", gapType.IsGap).
		Msg("Gap declared")

	return gap, nil
}

// ── Gap edits ────────────────────────────────────────────────────────────────

// GetGap returns one gap with its workflow context, enforcing visibility for
// the acting user.
func (s *GapService) GetGap(ctx context.Context, id int64) (*repository.GapDetail, error) {
	detail, err := s.gaps.GetDetail(ctx, id)
	if err != nil {
		return nil, err
	}

	actor, ok := actorctx.From(ctx)
	if !ok {
		return detail, nil
	}
	viewer, err := s.directory.GetUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	report, err := s.reports.GetByID(ctx, detail.ReportID)
	if err != nil {
		return nil, err
	}
	if !s.visibility.IsVisible(detail, report.InvolvedUserIDs, viewer) {
		return nil, errors.NotFound("gap", strconv.FormatInt(id, 10))
	}
	return detail, nil
}

// ListGaps returns the gaps under a report.
func (s *GapService) ListGaps(ctx context.Context, reportID int64) ([]*repository.Gap, error) {
	return s.gaps.ListByReport(ctx, reportID)
}

// UpdateGapInput carries the editable gap fields. The gap number and status
// are never editable here.
type UpdateGapInput struct {
	GapTypeID   *int64
	Description *string
}

// UpdateGap edits a gap's type or description. Only the declarant (while the
// gap is still declared) or an administrator may edit.
func (s *GapService) UpdateGap(ctx context.Context, id int64, in UpdateGapInput) (*repository.Gap, error) {
	detail, actor, err := s.loadForEdit(ctx, id)
	if err != nil {
		return nil, err
	}

	before := GapSnapshot(&detail.Gap)
	gap := detail.Gap

	if in.GapTypeID != nil && *in.GapTypeID != gap.GapTypeID {
		gapType, err := s.directory.GetGapType(ctx, *in.GapTypeID)
		if err != nil {
			return nil, err
		}
		if gapType.AuditSourceID != detail.AuditSourceID {
			return nil, errors.InvalidInput("gap_type",
				"the gap type does not belong to the report's audit source")
		}
		gap.GapTypeID = *in.GapTypeID
	}
	if in.Description != nil {
		if *in.Description == "" {
			return nil, errors.InvalidInput("description", "description is required")
		}
		gap.Description = *in.Description
	}

	if err := s.gaps.Update(ctx, &gap); err != nil {
		return nil, err
	}

	s.history.RecordUpdate(ctx, UpdateRecord{
		Kind:     repository.TargetGap,
		TargetID: gap.ID,
		ReportID: &gap.ReportID,
		GapID:    &gap.ID,
		Repr:     gap.GapNumber,
		Before:   before,
		After:    GapSnapshot(&gap),
	})

	if actor.ID != detail.DeclaredBy {
		s.notify(ctx, NotifyInput{
			UserID:   detail.DeclaredBy,
			GapID:    &gap.ID,
			ReportID: &gap.ReportID,
			Type:     repository.NotifGapModified,
			Title:    fmt.Sprintf("%s - Event modified", gap.GapNumber),
			Message:  fmt.Sprintf("Event %s was modified by %s.", gap.GapNumber, actor.FullName()),
			Priority: repository.PriorityNormal,
		})
	}

	return &gap, nil
}

// DeleteGap removes a gap. The gap's number retires with it. When the last
// gap of a report is deleted, the report goes too, and its own trail records
// the cascade.
func (s *GapService) DeleteGap(ctx context.Context, id int64) error {
	detail, actor, err := s.loadForEdit(ctx, id)
	if err != nil {
		return err
	}

	report, err := s.reports.GetByID(ctx, detail.ReportID)
	if err != nil {
		return err
	}

	if err := s.gaps.Delete(ctx, detail.ID); err != nil {
		return err
	}

	s.history.RecordDeletion(ctx, repository.TargetGap, detail.ID, &detail.ReportID, detail.GapNumber, GapSnapshot(&detail.Gap))

	if actor.ID != detail.DeclaredBy {
		s.notify(ctx, NotifyInput{
			UserID:   detail.DeclaredBy,
			ReportID: &detail.ReportID,
			Type:     repository.NotifGapDeleted,
			Title:    fmt.Sprintf("%s - Event deleted", detail.GapNumber),
			Message:  fmt.Sprintf("Event %s was deleted by %s.", detail.GapNumber, actor.FullName()),
			Priority: repository.PriorityNormal,
		})
	}

	remaining, err := s.reports.GapCount(ctx, detail.ReportID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		repr := fmt.Sprintf("#%d", report.ID)
		if err := s.reports.Delete(ctx, report.ID); err != nil {
			return err
		}
		s.history.RecordDeletion(ctx, repository.TargetReport, report.ID, nil, repr, ReportSnapshot(report))
		s.log.Info().Int64("report_id", report.ID).Msg("Report deleted with its last gap")
	}

	s.log.Info().
		Str("gap_number", detail.GapNumber).
		Int64("actor_id", actor.ID).
		Msg("Gap deleted")

	return nil
}

// loadForEdit loads the gap and checks the actor may mutate it: the declarant
// while the gap is still declared, or an administrator at any time.
func (s *GapService) loadForEdit(ctx context.Context, id int64) (*repository.GapDetail, *repository.User, error) {
	actorRef, ok := actorctx.From(ctx)
	if !ok {
		return nil, nil, errors.New(errors.ErrCodeUnauthorized, "no acting user")
	}
	detail, err := s.gaps.GetDetail(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	actor, err := s.directory.GetUser(ctx, actorRef.UserID)
	if err != nil {
		return nil, nil, err
	}
	if actor.IsAdmin() {
		return detail, actor, nil
	}
	if actor.ID != detail.DeclaredBy {
		return nil, nil, errors.New(errors.ErrCodeUnauthorized, "only the declarant or an administrator may modify this gap")
	}
	if detail.Status != repository.StatusDeclared {
		return nil, nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("gap %s is finalized and can no longer be modified", detail.GapNumber))
	}
	return detail, actor, nil
}

// ── Attachments ──────────────────────────────────────────────────────────────

// OnAttachmentAdded records an attachment addition in the gap's trail. File
// storage itself lives outside this service.
func (s *GapService) OnAttachmentAdded(ctx context.Context, gapID int64, filename string) error {
	gap, err := s.gaps.GetByID(ctx, gapID)
	if err != nil {
		return err
	}
	s.history.RecordAttachmentEvent(ctx, gap.ID, gap.ReportID, gap.GapNumber, filename, true)
	return nil
}

// OnAttachmentRemoved records an attachment removal in the gap's trail.
func (s *GapService) OnAttachmentRemoved(ctx context.Context, gapID int64, filename string) error {
	gap, err := s.gaps.GetByID(ctx, gapID)
	if err != nil {
		return err
	}
	s.history.RecordAttachmentEvent(ctx, gap.ID, gap.ReportID, gap.GapNumber, filename, false)
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func validateProcess(source *repository.AuditSource, processID *int64) error {
	if source.RequiresProcess && processID == nil {
		return errors.InvalidInput("process", fmt.Sprintf("audit source %q requires a process", source.Name))
	}
	if !source.RequiresProcess && processID != nil {
		return errors.InvalidInput("process", fmt.Sprintf("audit source %q does not accept a process", source.Name))
	}
	return nil
}

// diffIDs returns the additions and removals between two ID sets.
func diffIDs(before, after []int64) (added, removed []int64) {
	beforeSet := make(map[int64]bool, len(before))
	for _, id := range before {
		beforeSet[id] = true
	}
	afterSet := make(map[int64]bool, len(after))
	for _, id := range after {
		afterSet[id] = true
		if !beforeSet[id] {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if !afterSet[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}

// notify persists a notification, logging instead of failing.
func (s *GapService) notify(ctx context.Context, in NotifyInput) {
	if _, err := s.notifier.Notify(ctx, in); err != nil {
		s.log.Warn().Err(err).
			Int64("user_id", in.UserID).
			Str("type", in.Type).
			Msg("Failed to create notification")
	}
}
