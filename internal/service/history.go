package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/actorctx"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/logger"
	"github.com/pesio-ai/be-qa-gaps/internal/repository"
)

// HistoryStore is the persistence surface the recorder needs.
type HistoryStore interface {
	Append(ctx context.Context, entry *repository.HistoryEntry) error
	ListForReport(ctx context.Context, reportID int64) ([]*repository.HistoryEntry, error)
	ListForGap(ctx context.Context, gapID int64) ([]*repository.HistoryEntry, error)
}

// HistoryRecorder writes the immutable change trail. It is invoked
// explicitly by the service layer after each mutation, never through hidden
// hooks, so the skip and de-duplication rules stay visible and testable.
//
// When no actor is present in the context (system scripts, migrations) the
// recorder silently records nothing.
type HistoryRecorder struct {
	store HistoryStore
	log   *logger.Logger
}

// NewHistoryRecorder creates a HistoryRecorder.
func NewHistoryRecorder(store HistoryStore, log *logger.Logger) *HistoryRecorder {
	return &HistoryRecorder{store: store, log: log}
}

// ── tracked-field snapshots ──────────────────────────────────────────────────

// ReportSnapshot captures the tracked fields of a report. Timestamps and the
// involvement set are deliberately excluded: timestamp churn is noise, and
// involvement changes get their own specialized entries.
func ReportSnapshot(r *repository.GapReport) map[string]any {
	return map[string]any{
		"audit_source":     r.AuditSourceID,
		"source_reference": deref(r.SourceReference),
		"service":          r.ServiceID,
		"process":          derefID(r.ProcessID),
		"location":         deref(r.Location),
		"observation_date": r.ObservationDate.Format("2006-01-02"),
		"declared_by":      r.DeclaredBy,
	}
}

// GapSnapshot captures the tracked fields of a gap.
func GapSnapshot(g *repository.Gap) map[string]any {
	return map[string]any{
		"gap_number":  g.GapNumber,
		"gap_type":    g.GapTypeID,
		"description": g.Description,
		"status":      string(g.Status),
	}
}

// fieldLabels translates snapshot keys into display labels for descriptions.
var fieldLabels = map[string]string{
	"audit_source":     "audit source",
	"source_reference": "source reference",
	"service":          "service",
	"process":          "process",
	"location":         "location",
	"observation_date": "observation date",
	"declared_by":      "declarant",
	"gap_number":       "gap number",
	"gap_type":         "gap type",
	"description":      "description",
	"status":           "status",
}

// ── recording operations ─────────────────────────────────────────────────────

// RecordCreation writes a creation entry snapshotting only the after state.
func (h *HistoryRecorder) RecordCreation(ctx context.Context, kind repository.HistoryTarget, targetID int64, reportID, gapID *int64, repr string, after map[string]any) {
	actor, ok := actorctx.From(ctx)
	if !ok {
		return
	}

	noun := targetNoun(kind)
	h.append(ctx, &repository.HistoryEntry{
		TargetKind:  kind,
		TargetID:    targetID,
		ReportID:    reportID,
		GapID:       gapID,
		TargetRepr:  repr,
		Action:      repository.HistoryCreation,
		Description: fmt.Sprintf("Created %s %s", noun, repr),
		ActorID:     actor.UserID,
		DataAfter:   after,
	})
}

// UpdateRecord describes one update to record.
type UpdateRecord struct {
	Kind     repository.HistoryTarget
	TargetID int64
	ReportID *int64
	GapID    *int64
	Repr     string
	Before   map[string]any
	After    map[string]any
	// SuppressGeneric skips the field-diff entry when a specialized entry
	// (attachment, involvement) already describes this save.
	SuppressGeneric bool
}

// RecordUpdate diffs the tracked snapshots and writes one entry when at
// least one field changed. A save with zero tracked differences records
// nothing. A status change uses its own action kind and wording.
func (h *HistoryRecorder) RecordUpdate(ctx context.Context, rec UpdateRecord) {
	actor, ok := actorctx.From(ctx)
	if !ok {
		return
	}
	if rec.SuppressGeneric {
		return
	}

	changes := diffSnapshots(rec.Before, rec.After)
	if len(changes) == 0 {
		return
	}

	action := repository.HistoryModification
	description := fmt.Sprintf("Modified %s %s - %s", targetNoun(rec.Kind), rec.Repr, describeChanges(changes))

	if oldStatus, newStatus, ok := statusChange(changes); ok {
		action = repository.HistoryStatusChange
		description = fmt.Sprintf("Status of %s %s changed from %q to %q",
			targetNoun(rec.Kind), rec.Repr,
			repository.StatusLabel(repository.GapStatus(oldStatus)),
			repository.StatusLabel(repository.GapStatus(newStatus)))
	}

	h.append(ctx, &repository.HistoryEntry{
		TargetKind:  rec.Kind,
		TargetID:    rec.TargetID,
		ReportID:    rec.ReportID,
		GapID:       rec.GapID,
		TargetRepr:  rec.Repr,
		Action:      action,
		Description: description,
		ActorID:     actor.UserID,
		DataBefore:  rec.Before,
		DataAfter:   rec.After,
	})
}

// RecordDeletion writes a deletion entry snapshotting only the before state.
// The gap reference is dropped (the row is gone) but the parent report
// reference survives so report trails remain complete.
func (h *HistoryRecorder) RecordDeletion(ctx context.Context, kind repository.HistoryTarget, targetID int64, reportID *int64, repr string, before map[string]any) {
	actor, ok := actorctx.From(ctx)
	if !ok {
		return
	}

	h.append(ctx, &repository.HistoryEntry{
		TargetKind:  kind,
		TargetID:    targetID,
		ReportID:    reportID,
		TargetRepr:  repr,
		Action:      repository.HistoryDeletion,
		Description: fmt.Sprintf("Deleted %s %s", targetNoun(kind), repr),
		ActorID:     actor.UserID,
		DataBefore:  before,
	})
}

// RecordInvolvementChange writes specialized entries for involved-user
// additions and removals on a report.
func (h *HistoryRecorder) RecordInvolvementChange(ctx context.Context, reportID int64, repr string, added, removed []int64) {
	actor, ok := actorctx.From(ctx)
	if !ok {
		return
	}

	if len(added) > 0 {
		h.append(ctx, &repository.HistoryEntry{
			TargetKind:  repository.TargetReport,
			TargetID:    reportID,
			ReportID:    &reportID,
			TargetRepr:  repr,
			Action:      repository.HistoryModification,
			Description: fmt.Sprintf("Added %d involved user(s) to report %s", len(added), repr),
			ActorID:     actor.UserID,
			DataAfter:   map[string]any{"involved_added": added},
		})
	}
	if len(removed) > 0 {
		h.append(ctx, &repository.HistoryEntry{
			TargetKind:  repository.TargetReport,
			TargetID:    reportID,
			ReportID:    &reportID,
			TargetRepr:  repr,
			Action:      repository.HistoryModification,
			Description: fmt.Sprintf("Removed %d involved user(s) from report %s", len(removed), repr),
			ActorID:     actor.UserID,
			DataBefore:  map[string]any{"involved_removed": removed},
		})
	}
}

// RecordAttachmentEvent writes a specialized entry for an attachment added
// to or removed from a gap. The attachment subsystem lives outside this
// service; only the event is recorded here.
func (h *HistoryRecorder) RecordAttachmentEvent(ctx context.Context, gapID, reportID int64, gapNumber, filename string, added bool) {
	actor, ok := actorctx.From(ctx)
	if !ok {
		return
	}

	verb := "Attached"
	data := map[string]any{"attachment": filename}
	entry := &repository.HistoryEntry{
		TargetKind: repository.TargetGap,
		TargetID:   gapID,
		ReportID:   &reportID,
		GapID:      &gapID,
		TargetRepr: gapNumber,
		Action:     repository.HistoryModification,
		ActorID:    actor.UserID,
	}
	if added {
		entry.DataAfter = data
	} else {
		verb = "Removed attachment"
		entry.DataBefore = data
	}
	entry.Description = fmt.Sprintf("%s %q on gap %s", verb, filename, gapNumber)

	h.append(ctx, entry)
}

// ── trail queries ────────────────────────────────────────────────────────────

// ReportTrail returns a report's history, oldest first, including entries of
// gaps that no longer exist.
func (h *HistoryRecorder) ReportTrail(ctx context.Context, reportID int64) ([]*repository.HistoryEntry, error) {
	return h.store.ListForReport(ctx, reportID)
}

// GapTrail returns one gap's history, oldest first.
func (h *HistoryRecorder) GapTrail(ctx context.Context, gapID int64) ([]*repository.HistoryEntry, error) {
	return h.store.ListForGap(ctx, gapID)
}

// ── helpers ──────────────────────────────────────────────────────────────────

type fieldChange struct {
	field  string
	before any
	after  any
}

func diffSnapshots(before, after map[string]any) []fieldChange {
	var changes []fieldChange
	for field, oldValue := range before {
		newValue, ok := after[field]
		if !ok {
			continue
		}
		if fmt.Sprint(oldValue) != fmt.Sprint(newValue) {
			changes = append(changes, fieldChange{field: field, before: oldValue, after: newValue})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].field < changes[j].field })
	return changes
}

func describeChanges(changes []fieldChange) string {
	parts := make([]string, 0, len(changes))
	for _, c := range changes {
		label := fieldLabels[c.field]
		if label == "" {
			label = c.field
		}
		parts = append(parts, fmt.Sprintf("%s: '%v' → '%v'", label, c.before, c.after))
	}
	return strings.Join(parts, ", ")
}

func statusChange(changes []fieldChange) (before, after string, ok bool) {
	for _, c := range changes {
		if c.field == "status" {
			return fmt.Sprint(c.before), fmt.Sprint(c.after), true
		}
	}
	return "", "", false
}

func targetNoun(kind repository.HistoryTarget) string {
	if kind == repository.TargetReport {
		return "report"
	}
	return "gap"
}

// append writes the entry, logging a warning on failure. History write
// failures never fail the triggering operation.
func (h *HistoryRecorder) append(ctx context.Context, entry *repository.HistoryEntry) {
	if err := h.store.Append(ctx, entry); err != nil {
		h.log.Warn().Err(err).
			Str("target_kind", string(entry.TargetKind)).
			Int64("target_id", entry.TargetID).
			Str("action", string(entry.Action)).
			Msg("Failed to write history entry")
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
