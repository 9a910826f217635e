package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
	"github.com/pesio-ai/be-qa-gaps/internal/repository"
)

// In-memory implementations of the service-layer store interfaces.

type fakeDirectory struct {
	users   map[int64]*repository.User
	sources map[int64]*repository.AuditSource
	types   map[int64]*repository.GapType
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:   make(map[int64]*repository.User),
		sources: make(map[int64]*repository.AuditSource),
		types:   make(map[int64]*repository.GapType),
	}
}

func (d *fakeDirectory) GetUser(_ context.Context, id int64) (*repository.User, error) {
	u, ok := d.users[id]
	if !ok {
		return nil, errors.NotFound("user", strconv.FormatInt(id, 10))
	}
	return u, nil
}

func (d *fakeDirectory) GetAuditSource(_ context.Context, id int64) (*repository.AuditSource, error) {
	s, ok := d.sources[id]
	if !ok {
		return nil, errors.NotFound("audit_source", strconv.FormatInt(id, 10))
	}
	return s, nil
}

func (d *fakeDirectory) GetGapType(_ context.Context, id int64) (*repository.GapType, error) {
	t, ok := d.types[id]
	if !ok {
		return nil, errors.NotFound("gap_type", strconv.FormatInt(id, 10))
	}
	return t, nil
}

type fakeGapStore struct {
	gaps   map[int64]*repository.GapDetail
	nextID int64

	// allocFailures makes the next n CreateWithNumber calls lose the
	// allocation race; allocCalls counts every attempt.
	allocFailures int
	allocCalls    int

	// enrich fills the joined detail fields the real repository reads from
	// the report and type rows.
	enrich func(*repository.GapDetail)
}

func newFakeGapStore() *fakeGapStore {
	return &fakeGapStore{gaps: make(map[int64]*repository.GapDetail), nextID: 1}
}

func (s *fakeGapStore) GetByID(_ context.Context, id int64) (*repository.Gap, error) {
	d, ok := s.gaps[id]
	if !ok {
		return nil, errors.NotFound("gap", strconv.FormatInt(id, 10))
	}
	g := d.Gap
	return &g, nil
}

func (s *fakeGapStore) GetDetail(_ context.Context, id int64) (*repository.GapDetail, error) {
	d, ok := s.gaps[id]
	if !ok {
		return nil, errors.NotFound("gap", strconv.FormatInt(id, 10))
	}
	copied := *d
	return &copied, nil
}

func (s *fakeGapStore) CreateWithNumber(_ context.Context, gap *repository.Gap) error {
	s.allocCalls++
	if s.allocFailures > 0 {
		s.allocFailures--
		return repository.ErrAllocationConflict
	}

	maxSeq := 0
	for _, d := range s.gaps {
		if d.ReportID == gap.ReportID && d.Seq > maxSeq {
			maxSeq = d.Seq
		}
	}
	gap.ID = s.nextID
	s.nextID++
	gap.Seq = maxSeq + 1
	gap.GapNumber = fmt.Sprintf("%d.%d", gap.ReportID, gap.Seq)
	gap.CreatedAt = time.Now()
	gap.UpdatedAt = gap.CreatedAt

	d := &repository.GapDetail{Gap: *gap}
	if s.enrich != nil {
		s.enrich(d)
	}
	s.gaps[gap.ID] = d
	return nil
}

// put seeds a gap detail directly, keeping nextID ahead of it.
func (s *fakeGapStore) put(d *repository.GapDetail) {
	if d.ID >= s.nextID {
		s.nextID = d.ID + 1
	}
	s.gaps[d.ID] = d
}

func (s *fakeGapStore) ListByReport(_ context.Context, reportID int64) ([]*repository.Gap, error) {
	var out []*repository.Gap
	for _, d := range s.gaps {
		if d.ReportID == reportID {
			g := d.Gap
			out = append(out, &g)
		}
	}
	return out, nil
}

func (s *fakeGapStore) ListDeclaredForPair(_ context.Context, serviceID, auditSourceID int64) ([]*repository.GapDetail, error) {
	var out []*repository.GapDetail
	for _, d := range s.gaps {
		if d.ServiceID == serviceID && d.AuditSourceID == auditSourceID &&
			d.Status == repository.StatusDeclared && d.TypeIsGap {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeGapStore) Update(_ context.Context, gap *repository.Gap) error {
	d, ok := s.gaps[gap.ID]
	if !ok {
		return errors.NotFound("gap", strconv.FormatInt(gap.ID, 10))
	}
	d.GapTypeID = gap.GapTypeID
	d.Description = gap.Description
	return nil
}

func (s *fakeGapStore) UpdateStatus(_ context.Context, id int64, status repository.GapStatus) error {
	d, ok := s.gaps[id]
	if !ok {
		return errors.NotFound("gap", strconv.FormatInt(id, 10))
	}
	d.Status = status
	return nil
}

func (s *fakeGapStore) Delete(_ context.Context, id int64) error {
	if _, ok := s.gaps[id]; !ok {
		return errors.NotFound("gap", strconv.FormatInt(id, 10))
	}
	delete(s.gaps, id)
	return nil
}

type fakeDecisionStore struct {
	gaps      *fakeGapStore
	decisions []*repository.GapValidation
	nextID    int64
}

func newFakeDecisionStore(gaps *fakeGapStore) *fakeDecisionStore {
	return &fakeDecisionStore{gaps: gaps, nextID: 1}
}

func (s *fakeDecisionStore) Record(ctx context.Context, v *repository.GapValidation, newStatus *repository.GapStatus) error {
	for _, existing := range s.decisions {
		if existing.GapID == v.GapID && existing.Level == v.Level {
			return errors.New(errors.ErrCodeConflict, "a decision already exists at this level for this gap")
		}
	}
	v.ID = s.nextID
	s.nextID++
	v.ValidatedAt = time.Now()
	s.decisions = append(s.decisions, v)

	if newStatus != nil {
		return s.gaps.UpdateStatus(ctx, v.GapID, *newStatus)
	}
	return nil
}

func (s *fakeDecisionStore) ListForGap(_ context.Context, gapID int64) ([]*repository.GapValidation, error) {
	var out []*repository.GapValidation
	for _, d := range s.decisions {
		if d.GapID == gapID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeDecisionStore) LastDecisions(_ context.Context, gapIDs []int64) (map[int64]*repository.GapValidation, error) {
	out := make(map[int64]*repository.GapValidation)
	for _, id := range gapIDs {
		for _, d := range s.decisions {
			if d.GapID != id {
				continue
			}
			if last, ok := out[id]; !ok || d.Level > last.Level {
				out[id] = d
			}
		}
	}
	return out, nil
}

type fakeValidatorDirectory struct {
	assignments []*repository.ValidatorAssignment
	nextID      int64
}

func newFakeValidatorDirectory() *fakeValidatorDirectory {
	return &fakeValidatorDirectory{nextID: 1}
}

func (d *fakeValidatorDirectory) assign(serviceID, auditSourceID, validatorID int64, level int) {
	d.assignments = append(d.assignments, &repository.ValidatorAssignment{
		ID:            d.nextID,
		ServiceID:     serviceID,
		AuditSourceID: auditSourceID,
		ValidatorID:   validatorID,
		Level:         level,
		IsActive:      true,
	})
	d.nextID++
}

func (d *fakeValidatorDirectory) Create(_ context.Context, a *repository.ValidatorAssignment) error {
	if a.Level < repository.MinLevel || a.Level > repository.MaxLevel {
		return errors.InvalidInput("level", "level must be between 1 and 3")
	}
	for _, existing := range d.assignments {
		if existing.ServiceID == a.ServiceID && existing.AuditSourceID == a.AuditSourceID &&
			existing.Level == a.Level && existing.IsActive && a.IsActive {
			return errors.New(errors.ErrCodeConflict, "an active validator already exists at this level")
		}
	}
	a.ID = d.nextID
	d.nextID++
	d.assignments = append(d.assignments, a)
	return nil
}

func (d *fakeValidatorDirectory) ValidatorsFor(_ context.Context, serviceID, auditSourceID int64, level *int, activeOnly bool) ([]*repository.ValidatorAssignment, error) {
	var out []*repository.ValidatorAssignment
	for _, a := range d.assignments {
		if a.ServiceID != serviceID || a.AuditSourceID != auditSourceID {
			continue
		}
		if level != nil && a.Level != *level {
			continue
		}
		if activeOnly && !a.IsActive {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (d *fakeValidatorDirectory) MaxLevel(_ context.Context, serviceID, auditSourceID int64) (int, error) {
	maxLevel := 0
	for _, a := range d.assignments {
		if a.ServiceID == serviceID && a.AuditSourceID == auditSourceID && a.IsActive && a.Level > maxLevel {
			maxLevel = a.Level
		}
	}
	return maxLevel, nil
}

func (d *fakeValidatorDirectory) LevelOf(_ context.Context, userID, serviceID, auditSourceID int64) (int, bool, error) {
	level := 0
	for _, a := range d.assignments {
		if a.ValidatorID == userID && a.ServiceID == serviceID && a.AuditSourceID == auditSourceID && a.IsActive {
			if level == 0 || a.Level < level {
				level = a.Level
			}
		}
	}
	return level, level != 0, nil
}

func (d *fakeValidatorDirectory) AssignmentsForUser(_ context.Context, userID int64, activeOnly bool) ([]*repository.ValidatorAssignment, error) {
	var out []*repository.ValidatorAssignment
	for _, a := range d.assignments {
		if a.ValidatorID != userID {
			continue
		}
		if activeOnly && !a.IsActive {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (d *fakeValidatorDirectory) SetActive(_ context.Context, id int64, active bool) error {
	for _, a := range d.assignments {
		if a.ID == id {
			a.IsActive = active
			return nil
		}
	}
	return errors.NotFound("validator_assignment", strconv.FormatInt(id, 10))
}

func (d *fakeValidatorDirectory) Delete(_ context.Context, id int64) error {
	for i, a := range d.assignments {
		if a.ID == id {
			d.assignments = append(d.assignments[:i], d.assignments[i+1:]...)
			return nil
		}
	}
	return errors.NotFound("validator_assignment", strconv.FormatInt(id, 10))
}

type fakeNotificationStore struct {
	notifications []*repository.Notification
	nextID        int64
	createErr     error
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{nextID: 1}
}

func (s *fakeNotificationStore) Create(_ context.Context, n *repository.Notification) error {
	if s.createErr != nil {
		return s.createErr
	}
	n.ID = s.nextID
	s.nextID++
	n.CreatedAt = time.Now()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *fakeNotificationStore) GetByID(_ context.Context, id int64) (*repository.Notification, error) {
	for _, n := range s.notifications {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, errors.NotFound("notification", strconv.FormatInt(id, 10))
}

func (s *fakeNotificationStore) ListForUser(_ context.Context, userID int64, unreadOnly bool, limit, offset int) ([]*repository.Notification, error) {
	var out []*repository.Notification
	for _, n := range s.notifications {
		if n.UserID != userID {
			continue
		}
		if unreadOnly && n.IsRead {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *fakeNotificationStore) UnreadCount(_ context.Context, userID int64) (int, error) {
	count := 0
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *fakeNotificationStore) MarkRead(_ context.Context, id, userID int64) error {
	for _, n := range s.notifications {
		if n.ID == id && n.UserID == userID && !n.IsRead {
			now := time.Now()
			n.IsRead = true
			n.ReadAt = &now
		}
	}
	return nil
}

func (s *fakeNotificationStore) MarkAllRead(_ context.Context, userID int64) (int64, error) {
	var count int64
	now := time.Now()
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsRead && n.Type != repository.NotifValidationRequest {
			n.IsRead = true
			n.ReadAt = &now
			count++
		}
	}
	return count, nil
}

func (s *fakeNotificationStore) MarkValidationRequestsRead(_ context.Context, gapID, userID int64) (int64, error) {
	var count int64
	now := time.Now()
	for _, n := range s.notifications {
		if n.UserID == userID && n.GapID != nil && *n.GapID == gapID &&
			n.Type == repository.NotifValidationRequest && !n.IsRead {
			n.IsRead = true
			n.ReadAt = &now
			count++
		}
	}
	return count, nil
}

// byType returns userID's notifications of one type.
func (s *fakeNotificationStore) byType(userID int64, notifType string) []*repository.Notification {
	var out []*repository.Notification
	for _, n := range s.notifications {
		if n.UserID == userID && n.Type == notifType {
			out = append(out, n)
		}
	}
	return out
}

type fakeHistoryStore struct {
	entries   []*repository.HistoryEntry
	appendErr error
}

func (s *fakeHistoryStore) Append(_ context.Context, entry *repository.HistoryEntry) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	entry.ID = int64(len(s.entries) + 1)
	entry.RecordedAt = time.Now()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeHistoryStore) ListForReport(_ context.Context, reportID int64) ([]*repository.HistoryEntry, error) {
	var out []*repository.HistoryEntry
	for _, e := range s.entries {
		if e.ReportID != nil && *e.ReportID == reportID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeHistoryStore) ListForGap(_ context.Context, gapID int64) ([]*repository.HistoryEntry, error) {
	var out []*repository.HistoryEntry
	for _, e := range s.entries {
		if e.GapID != nil && *e.GapID == gapID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeReportStore struct {
	gaps    *fakeGapStore
	reports map[int64]*repository.GapReport
	nextID  int64
}

func newFakeReportStore(gaps *fakeGapStore) *fakeReportStore {
	return &fakeReportStore{gaps: gaps, reports: make(map[int64]*repository.GapReport), nextID: 1}
}

func (s *fakeReportStore) Create(_ context.Context, r *repository.GapReport) error {
	r.ID = s.nextID
	s.nextID++
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	copied := *r
	s.reports[r.ID] = &copied
	return nil
}

func (s *fakeReportStore) put(r *repository.GapReport) {
	if r.ID >= s.nextID {
		s.nextID = r.ID + 1
	}
	s.reports[r.ID] = r
}

func (s *fakeReportStore) GetByID(_ context.Context, id int64) (*repository.GapReport, error) {
	r, ok := s.reports[id]
	if !ok {
		return nil, errors.NotFound("report", strconv.FormatInt(id, 10))
	}
	copied := *r
	return &copied, nil
}

func (s *fakeReportStore) List(_ context.Context, limit, offset int) ([]*repository.GapReport, error) {
	var out []*repository.GapReport
	for _, r := range s.reports {
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeReportStore) Update(_ context.Context, r *repository.GapReport) error {
	if _, ok := s.reports[r.ID]; !ok {
		return errors.NotFound("report", strconv.FormatInt(r.ID, 10))
	}
	copied := *r
	s.reports[r.ID] = &copied
	return nil
}

func (s *fakeReportStore) Delete(_ context.Context, id int64) error {
	if _, ok := s.reports[id]; !ok {
		return errors.NotFound("report", strconv.FormatInt(id, 10))
	}
	delete(s.reports, id)
	return nil
}

func (s *fakeReportStore) GapCount(_ context.Context, id int64) (int, error) {
	count := 0
	for _, d := range s.gaps.gaps {
		if d.ReportID == id {
			count++
		}
	}
	return count, nil
}

type publishedEvent struct {
	EventType   string
	GapID       *int64
	ReportID    *int64
	RecipientID int64
}

type fakePublisher struct {
	events []publishedEvent
}

func (p *fakePublisher) PublishGapEvent(_ context.Context, eventType string, gapID, reportID *int64, recipientID int64, _ map[string]any) {
	p.events = append(p.events, publishedEvent{
		EventType:   eventType,
		GapID:       gapID,
		ReportID:    reportID,
		RecipientID: recipientID,
	})
}
