package repository

import (
	"strconv"
	"time"
)

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

// ── Directory types (read-mostly catalog maintained elsewhere) ───────────────

// User rights levels.
const (
	RightsSuperAdmin = "SA"
	RightsAdmin      = "AD"
	RightsUser       = "US"
)

// User is one entry in the user directory.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Email     string
	Rights    string // SA | AD | US
	ServiceID *int64
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName returns "First Last", falling back to the username.
func (u *User) FullName() string {
	if u.FirstName == "" && u.LastName == "" {
		return u.Username
	}
	return u.FirstName + " " + u.LastName
}

// IsAdmin reports whether the user holds an administrative role.
func (u *User) IsAdmin() bool {
	return u.Rights == RightsSuperAdmin || u.Rights == RightsAdmin
}

// Service is one organizational unit. Validators are configured per service;
// parent/child relations between services are never consulted by the workflow.
type Service struct {
	ID        int64
	Code      string
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditSource is the origin of an audit (internal audit, client audit, ...).
// RequiresProcess controls whether reports under it must carry a process.
type AuditSource struct {
	ID              int64
	Code            string
	Name            string
	Description     string
	RequiresProcess bool
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Process is a business process, referenced by reports whose audit source
// requires one.
type Process struct {
	ID          int64
	Code        string
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GapType categorizes a gap within one audit source. IsGap distinguishes true
// non-conformities (multi-level validation) from simple events (two-state).
type GapType struct {
	ID            int64
	AuditSourceID int64
	Code          string
	Name          string
	Description   string
	IsGap         bool
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ── Gap domain types ─────────────────────────────────────────────────────────

// GapReport is the declaration header grouping one or more gaps.
type GapReport struct {
	ID              int64
	AuditSourceID   int64
	SourceReference *string
	ServiceID       int64
	ProcessID       *int64
	Location        *string
	ObservationDate time.Time
	DeclaredBy      int64
	InvolvedUserIDs []int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GapStatus enumerates the gap lifecycle states.
type GapStatus string

const (
	StatusDeclared  GapStatus = "declared"
	StatusCancelled GapStatus = "cancelled"
	StatusRetained  GapStatus = "retained"
	StatusRejected  GapStatus = "rejected"
	StatusClosed    GapStatus = "closed"
)

// AllStatuses is the full status set in display order.
var AllStatuses = []GapStatus{StatusDeclared, StatusCancelled, StatusRetained, StatusRejected, StatusClosed}

// StatusLabel returns the human-readable label for a status.
func StatusLabel(s GapStatus) string {
	switch s {
	case StatusDeclared:
		return "Declared"
	case StatusCancelled:
		return "Cancelled"
	case StatusRetained:
		return "Retained"
	case StatusRejected:
		return "Not retained"
	case StatusClosed:
		return "Closed"
	}
	return string(s)
}

// Gap is one reported non-conformity or event under a report.
// Seq is unique within the report; GapNumber is "<report-id>.<seq>" and is
// assigned exactly once, never reassigned.
type Gap struct {
	ID          int64
	ReportID    int64
	Seq         int
	GapNumber   string
	GapTypeID   int64
	Description string
	Status      GapStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GapDetail is a gap joined with the report and type fields the workflow
// needs on every decision (service/source routing keys, declarant, is-gap
// flag, display names for notification texts).
type GapDetail struct {
	Gap
	ServiceID     int64
	AuditSourceID int64
	DeclaredBy    int64
	TypeIsGap     bool
	TypeName      string
	ServiceName   string
	DeclarantName string
}

// ── Workflow types ───────────────────────────────────────────────────────────

// ValidatorAssignment binds one validator to one escalation level for one
// (service, audit source) pair. At most one active assignment exists per
// (service, audit source, level) triple.
type ValidatorAssignment struct {
	ID            int64
	ServiceID     int64
	AuditSourceID int64
	ValidatorID   int64
	Level         int // 1..3
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MinLevel and MaxLevel bound validator assignment levels.
const (
	MinLevel = 1
	MaxLevel = 3
)

// ValidationAction is a validator's ruling.
type ValidationAction string

const (
	ActionApproved ValidationAction = "approved"
	ActionRejected ValidationAction = "rejected"
)

// GapValidation is the immutable record of one ruling at one level.
// Unique per (gap, level); never mutated after creation.
type GapValidation struct {
	ID          int64
	GapID       int64
	ValidatorID int64
	Level       int
	Action      ValidationAction
	Comment     *string
	ValidatedAt time.Time
}

// ── Notification types ───────────────────────────────────────────────────────

// Notification types.
const (
	NotifValidationRequest   = "validation_request"
	NotifValidationApproved  = "validation_approved"
	NotifValidationRejected  = "validation_rejected"
	NotifValidationCompleted = "validation_completed"
	NotifGapRetained         = "gap_retained"
	NotifGapRejected         = "gap_rejected"
	NotifGapCreated          = "gap_created"
	NotifGapModified         = "gap_modified"
	NotifGapDeleted          = "gap_deleted"
	NotifGapStatusChanged    = "gap_status_changed"
	NotifDeclarationInvolved = "declaration_involved"
)

// Notification priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is a directed message to exactly one user. Only the read
// state ever changes after creation.
type Notification struct {
	ID        int64
	UserID    int64
	GapID     *int64
	ReportID  *int64
	Type      string
	Title     string
	Message   string
	Priority  string
	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

// ── History types ────────────────────────────────────────────────────────────

// HistoryTarget tags which entity kind a history entry describes.
type HistoryTarget string

const (
	TargetReport HistoryTarget = "report"
	TargetGap    HistoryTarget = "gap"
)

// HistoryAction enumerates the audit-trail action kinds.
type HistoryAction string

const (
	HistoryCreation     HistoryAction = "creation"
	HistoryModification HistoryAction = "modification"
	HistoryDeletion     HistoryAction = "suppression"
	HistoryStatusChange HistoryAction = "status_change"
)

// HistoryEntry is one append-only audit-trail record. The target is a tagged
// (kind, id) pair; ReportID/GapID keep the surviving references so trails
// remain queryable after the target row is gone.
type HistoryEntry struct {
	ID          int64
	TargetKind  HistoryTarget
	TargetID    int64
	ReportID    *int64
	GapID       *int64
	TargetRepr  string
	Action      HistoryAction
	Description string
	ActorID     int64
	DataBefore  map[string]any
	DataAfter   map[string]any
	RecordedAt  time.Time
}
