package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
	"github.com/pesio-ai/be-qa-gaps/internal/repository"
)

func yesterday() time.Time {
	return time.Now().AddDate(0, 0, -1)
}

func (f *fixture) createReport(t *testing.T, in CreateReportInput) *repository.GapReport {
	t.Helper()
	report, err := f.gapService.CreateReport(asUser(declarantID), in)
	require.NoError(t, err)
	return report
}

func TestCreateReportValidatesProcessRule(t *testing.T) {
	f := newFixture()
	f.directory.sources[21] = &repository.AuditSource{ID: 21, Code: "CA", Name: "Client audit", RequiresProcess: true}

	// Source requiring a process refuses a report without one.
	_, err := f.gapService.CreateReport(asUser(declarantID), CreateReportInput{
		AuditSourceID:   21,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	// Source without processes refuses one.
	processID := int64(7)
	_, err = f.gapService.CreateReport(asUser(declarantID), CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ProcessID:       &processID,
		ObservationDate: yesterday(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestCreateReportRejectsFutureObservation(t *testing.T) {
	f := newFixture()

	_, err := f.gapService.CreateReport(asUser(declarantID), CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: time.Now().AddDate(0, 0, 1),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestCreateReportNotifiesInvolvedUsers(t *testing.T) {
	f := newFixture()

	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
		InvolvedUserIDs: []int64{level1ID, declarantID},
	})

	// The declarant never gets an involvement notice for their own report.
	assert.Empty(t, f.notifications.byType(declarantID, repository.NotifDeclarationInvolved))
	involved := f.notifications.byType(level1ID, repository.NotifDeclarationInvolved)
	require.Len(t, involved, 1)
	assert.Contains(t, involved[0].Message, "Marie Dubois")

	entries, err := f.historyStore.ListForReport(context.Background(), report.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, repository.HistoryCreation, entries[0].Action)
}

func TestCreateReportWithoutActorIsUnauthorized(t *testing.T) {
	f := newFixture()

	_, err := f.gapService.CreateReport(context.Background(), CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestDeclareGapAllocatesSequentialNumbers(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})

	first, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "first finding",
	})
	require.NoError(t, err)
	second, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "second finding",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 2, second.Seq)
	assert.NotEqual(t, first.GapNumber, second.GapNumber)
	assert.Equal(t, repository.StatusDeclared, first.Status)

	// Declaring a true gap routes it to the level-1 validator.
	assert.Len(t, f.notifications.byType(level1ID, repository.NotifValidationRequest), 2)
}

func TestDeclareGapRetriesLostAllocationRaces(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})

	f.gaps.allocFailures = 2
	gap, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "contended finding",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.gaps.allocCalls)
	assert.Equal(t, 1, gap.Seq)
}

func TestDeclareGapGivesUpAfterRetryBudget(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})

	f.gaps.allocFailures = 5
	_, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "too contended",
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
	assert.Equal(t, allocationAttempts, f.gaps.allocCalls)
}

func TestDeclareGapChecksTypeSource(t *testing.T) {
	f := newFixture()
	f.directory.sources[21] = &repository.AuditSource{ID: 21, Code: "CA", Name: "Client audit"}
	f.directory.types[40] = &repository.GapType{ID: 40, AuditSourceID: 21, Code: "X", Name: "Other", IsGap: true}
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})

	_, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: 40, Description: "wrong catalog",
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestUpdateReportKeepsAuditSourceOnceGapsExist(t *testing.T) {
	f := newFixture()
	f.directory.sources[21] = &repository.AuditSource{ID: 21, Code: "CA", Name: "Client audit"}
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})
	_, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "finding",
	})
	require.NoError(t, err)

	newSource := int64(21)
	_, err = f.gapService.UpdateReport(asUser(declarantID), report.ID, UpdateReportInput{
		AuditSourceID: &newSource,
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
}

func TestUpdateReportRecordsInvolvementChanges(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
		InvolvedUserIDs: []int64{level1ID},
	})

	_, err := f.gapService.UpdateReport(asUser(declarantID), report.ID, UpdateReportInput{
		InvolvedUserIDs: []int64{level2ID},
	})
	require.NoError(t, err)

	// One addition, one removal: each gets its own trail entry, and only the
	// newly added user is notified.
	entries, err := f.historyStore.ListForReport(context.Background(), report.ID)
	require.NoError(t, err)
	var added, removed int
	for _, e := range entries {
		if e.DataAfter["involved_added"] != nil {
			added++
		}
		if e.DataBefore["involved_removed"] != nil {
			removed++
		}
	}
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)

	assert.Len(t, f.notifications.byType(level2ID, repository.NotifDeclarationInvolved), 1)
	assert.Len(t, f.notifications.byType(level1ID, repository.NotifDeclarationInvolved), 1) // from creation only
}

func TestUpdateGapDiffsIntoHistory(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})
	gap, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "initial text",
	})
	require.NoError(t, err)

	newText := "corrected text"
	_, err = f.gapService.UpdateGap(asUser(declarantID), gap.ID, UpdateGapInput{Description: &newText})
	require.NoError(t, err)

	entries, err := f.historyStore.ListForGap(context.Background(), gap.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2) // creation + modification
	assert.Equal(t, repository.HistoryModification, entries[1].Action)
	assert.Contains(t, entries[1].Description, "description")

	// Saving identical content records nothing.
	_, err = f.gapService.UpdateGap(asUser(declarantID), gap.ID, UpdateGapInput{Description: &newText})
	require.NoError(t, err)
	entries, err = f.historyStore.ListForGap(context.Background(), gap.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestUpdateGapOnlyDeclarantOrAdmin(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})
	gap, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "finding",
	})
	require.NoError(t, err)

	text := "someone else's edit"
	_, err = f.gapService.UpdateGap(asUser(level2ID), gap.ID, UpdateGapInput{Description: &text})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))

	_, err = f.gapService.UpdateGap(asAdmin(adminID), gap.ID, UpdateGapInput{Description: &text})
	require.NoError(t, err)
}

func TestDeleteLastGapRemovesReport(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})
	gap, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "only finding",
	})
	require.NoError(t, err)

	require.NoError(t, f.gapService.DeleteGap(asUser(declarantID), gap.ID))

	_, err = f.reports.GetByID(context.Background(), report.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	// Both deletions stay on the trail even though the rows are gone.
	entries, err := f.historyStore.ListForReport(context.Background(), report.ID)
	require.NoError(t, err)
	var deletions int
	for _, e := range entries {
		if e.Action == repository.HistoryDeletion {
			deletions++
		}
	}
	assert.Equal(t, 1, deletions) // the gap's entry; the report entry drops its reference
}

func TestDeleteGapKeepsReportWithSiblings(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})
	first, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "first",
	})
	require.NoError(t, err)
	_, err = f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "second",
	})
	require.NoError(t, err)

	require.NoError(t, f.gapService.DeleteGap(asUser(declarantID), first.ID))

	_, err = f.reports.GetByID(context.Background(), report.ID)
	require.NoError(t, err)

	// Numbers keep extending from the maximum: the retired number is never
	// reissued.
	third, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "third",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, third.Seq)
}

func TestGetGapHidesCancelledFromOutsiders(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})
	gap, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "finding",
	})
	require.NoError(t, err)
	require.NoError(t, f.gaps.UpdateStatus(context.Background(), gap.ID, repository.StatusCancelled))

	_, err = f.gapService.GetGap(asUser(level2ID), gap.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	_, err = f.gapService.GetGap(asUser(declarantID), gap.ID)
	require.NoError(t, err)
	_, err = f.gapService.GetGap(asAdmin(adminID), gap.ID)
	require.NoError(t, err)
}

func TestAttachmentEventsLandOnTheTrail(t *testing.T) {
	f := newFixture()
	report := f.createReport(t, CreateReportInput{
		AuditSourceID:   sourceID,
		ServiceID:       serviceID,
		ObservationDate: yesterday(),
	})
	gap, err := f.gapService.DeclareGap(asUser(declarantID), DeclareGapInput{
		ReportID: report.ID, GapTypeID: gapTypeID, Description: "finding",
	})
	require.NoError(t, err)

	require.NoError(t, f.gapService.OnAttachmentAdded(asUser(declarantID), gap.ID, "photo.jpg"))
	require.NoError(t, f.gapService.OnAttachmentRemoved(asUser(declarantID), gap.ID, "photo.jpg"))

	entries, err := f.historyStore.ListForGap(context.Background(), gap.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3) // creation + two attachment events
	assert.Contains(t, entries[1].Description, "photo.jpg")
	assert.Contains(t, entries[2].Description, "Removed attachment")
}
