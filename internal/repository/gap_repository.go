package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/database"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
)

// ErrAllocationConflict marks a gap-number allocation that lost a race and
// may be retried by the caller.
var ErrAllocationConflict = errors.New(errors.ErrCodeConflict, "gap number allocation conflict")

const gapDetailColumns = `
	g.id, g.report_id, g.seq, g.gap_number, g.gap_type_id, g.description,
	g.status, g.created_at, g.updated_at,
	rep.service_id, rep.audit_source_id, rep.declared_by,
	t.is_gap, t.name,
	s.name,
	u.first_name || ' ' || u.last_name
`

const gapDetailFrom = `
	FROM gaps g
	JOIN gap_reports rep ON rep.id = g.report_id
	JOIN gap_types t     ON t.id = g.gap_type_id
	JOIN services s      ON s.id = rep.service_id
	JOIN users u         ON u.id = rep.declared_by
`

// GapRepository manages individual gaps, including sequence-number
// allocation scoped to the parent report.
type GapRepository struct {
	db *database.DB
}

// NewGapRepository creates a new GapRepository.
func NewGapRepository(db *database.DB) *GapRepository {
	return &GapRepository{db: db}
}

// CreateWithNumber inserts a gap, allocating the next sequence number for
// its report inside one transaction. The parent report row is locked for
// the duration so concurrent allocations for the same report serialize;
// allocations for different reports never contend. The unique (report_id,
// seq) index backstops any race the lock misses; such failures surface as
// ErrAllocationConflict for the caller's retry loop.
//
// Numbering always extends from the current maximum: sequence numbers freed
// by deletions are never reused and an assigned gap number is never changed.
func (r *GapRepository) CreateWithNumber(ctx context.Context, gap *Gap) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var reportID int64
		err := tx.QueryRow(ctx,
			`SELECT id FROM gap_reports WHERE id = $1 FOR UPDATE`, gap.ReportID,
		).Scan(&reportID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("gap_report", formatID(gap.ReportID))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock gap report")
		}

		var maxSeq int
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM gaps WHERE report_id = $1`, gap.ReportID,
		).Scan(&maxSeq)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read max gap sequence")
		}

		gap.Seq = maxSeq + 1
		gap.GapNumber = fmt.Sprintf("%d.%d", gap.ReportID, gap.Seq)
		if gap.Status == "" {
			gap.Status = StatusDeclared
		}

		query := `
			INSERT INTO gaps
			    (report_id, seq, gap_number, gap_type_id, description, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`
		return tx.QueryRow(ctx, query,
			gap.ReportID,
			gap.Seq,
			gap.GapNumber,
			gap.GapTypeID,
			gap.Description,
			gap.Status,
		).Scan(&gap.ID, &gap.CreatedAt, &gap.UpdatedAt)
	})

	if database.IsUniqueViolation(err) || database.IsSerializationFailure(err) {
		return ErrAllocationConflict
	}
	return err
}

// GetByID retrieves a bare gap row.
func (r *GapRepository) GetByID(ctx context.Context, id int64) (*Gap, error) {
	query := `
		SELECT id, report_id, seq, gap_number, gap_type_id, description,
		       status, created_at, updated_at
		FROM gaps
		WHERE id = $1
	`

	gap, err := r.scanGap(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("gap", formatID(id))
	}
	return gap, err
}

// GetDetail retrieves a gap joined with the routing and display fields the
// workflow needs (service, audit source, declarant, type flag).
func (r *GapRepository) GetDetail(ctx context.Context, id int64) (*GapDetail, error) {
	query := `SELECT ` + gapDetailColumns + gapDetailFrom + ` WHERE g.id = $1`

	detail, err := r.scanDetail(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("gap", formatID(id))
	}
	return detail, err
}

// ListByReport returns all gaps under a report in sequence order.
func (r *GapRepository) ListByReport(ctx context.Context, reportID int64) ([]*Gap, error) {
	query := `
		SELECT id, report_id, seq, gap_number, gap_type_id, description,
		       status, created_at, updated_at
		FROM gaps
		WHERE report_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, reportID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list gaps")
	}
	defer rows.Close()

	var gaps []*Gap
	for rows.Next() {
		gap, err := r.scanGap(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan gap")
		}
		gaps = append(gaps, gap)
	}
	return gaps, rows.Err()
}

// ListDeclaredForPair returns declared true-gap details under one
// (service, audit source) pair, oldest first. Used to compute pending
// validations for an assignment.
func (r *GapRepository) ListDeclaredForPair(ctx context.Context, serviceID, auditSourceID int64) ([]*GapDetail, error) {
	query := `SELECT ` + gapDetailColumns + gapDetailFrom + `
		WHERE g.status = 'declared'
		  AND t.is_gap = TRUE
		  AND rep.service_id = $1
		  AND rep.audit_source_id = $2
		ORDER BY g.created_at ASC`

	rows, err := r.db.Query(ctx, query, serviceID, auditSourceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list declared gaps")
	}
	defer rows.Close()

	var details []*GapDetail
	for rows.Next() {
		detail, err := r.scanDetail(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan gap detail")
		}
		details = append(details, detail)
	}
	return details, rows.Err()
}

// Update persists type and description changes. Sequence, gap number and
// status are never touched here.
func (r *GapRepository) Update(ctx context.Context, gap *Gap) error {
	query := `
		UPDATE gaps
		SET gap_type_id = $2,
		    description = $3,
		    updated_at  = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query, gap.ID, gap.GapTypeID, gap.Description).Scan(&gap.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("gap", formatID(gap.ID))
	}
	return err
}

// UpdateStatus sets the status outside of a decision transaction
// (administrative overrides; decision-driven mutations go through
// ValidationRepository.Record).
func (r *GapRepository) UpdateStatus(ctx context.Context, id int64, status GapStatus) error {
	query := `
		UPDATE gaps
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("gap", formatID(id))
	}
	return err
}

// Delete removes a gap; its validations cascade and its notifications keep
// their text with the gap reference detached.
func (r *GapRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM gaps WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete gap")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("gap", formatID(id))
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type gapScanner interface {
	Scan(dest ...any) error
}

func (r *GapRepository) scanGap(row gapScanner) (*Gap, error) {
	gap := &Gap{}
	err := row.Scan(
		&gap.ID,
		&gap.ReportID,
		&gap.Seq,
		&gap.GapNumber,
		&gap.GapTypeID,
		&gap.Description,
		&gap.Status,
		&gap.CreatedAt,
		&gap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return gap, nil
}

func (r *GapRepository) scanDetail(row gapScanner) (*GapDetail, error) {
	d := &GapDetail{}
	err := row.Scan(
		&d.ID,
		&d.ReportID,
		&d.Seq,
		&d.GapNumber,
		&d.GapTypeID,
		&d.Description,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.ServiceID,
		&d.AuditSourceID,
		&d.DeclaredBy,
		&d.TypeIsGap,
		&d.TypeName,
		&d.ServiceName,
		&d.DeclarantName,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
