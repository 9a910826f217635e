package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/database"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
)

// ReportRepository manages gap reports and their involved-user set.
// Report + involvement writes always happen in a single transaction.
type ReportRepository struct {
	db *database.DB
}

// NewReportRepository creates a new ReportRepository.
func NewReportRepository(db *database.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Create inserts a report and its involved users in one transaction.
func (r *ReportRepository) Create(ctx context.Context, report *GapReport) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO gap_reports
			    (audit_source_id, source_reference, service_id, process_id,
			     location, observation_date, declared_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			report.AuditSourceID,
			report.SourceReference,
			report.ServiceID,
			report.ProcessID,
			report.Location,
			report.ObservationDate,
			report.DeclaredBy,
		).Scan(&report.ID, &report.CreatedAt, &report.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create gap report")
		}

		return insertInvolvedUsers(ctx, tx, report.ID, report.InvolvedUserIDs)
	})
}

// GetByID retrieves a report with its involved users.
func (r *ReportRepository) GetByID(ctx context.Context, id int64) (*GapReport, error) {
	query := `
		SELECT id, audit_source_id, source_reference, service_id, process_id,
		       location, observation_date, declared_by, created_at, updated_at
		FROM gap_reports
		WHERE id = $1
	`

	report, err := r.scanReport(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("gap_report", formatID(id))
	}
	if err != nil {
		return nil, err
	}

	report.InvolvedUserIDs, err = r.involvedUsers(ctx, id)
	return report, err
}

// List returns reports, newest observation first, with involvement loaded.
func (r *ReportRepository) List(ctx context.Context, limit, offset int) ([]*GapReport, error) {
	query := `
		SELECT id, audit_source_id, source_reference, service_id, process_id,
		       location, observation_date, declared_by, created_at, updated_at
		FROM gap_reports
		ORDER BY observation_date DESC, created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list gap reports")
	}
	defer rows.Close()

	var reports []*GapReport
	for rows.Next() {
		report, err := r.scanReport(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan gap report")
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, report := range reports {
		report.InvolvedUserIDs, err = r.involvedUsers(ctx, report.ID)
		if err != nil {
			return nil, err
		}
	}
	return reports, nil
}

// Update persists header changes and replaces the involved-user set in one
// transaction. The audit source is immutable once the report has gaps; the
// service layer enforces that rule before calling Update.
func (r *ReportRepository) Update(ctx context.Context, report *GapReport) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE gap_reports
			SET audit_source_id  = $2,
			    source_reference = $3,
			    service_id       = $4,
			    process_id       = $5,
			    location         = $6,
			    observation_date = $7,
			    updated_at       = NOW()
			WHERE id = $1
			RETURNING updated_at
		`

		err := tx.QueryRow(ctx, query,
			report.ID,
			report.AuditSourceID,
			report.SourceReference,
			report.ServiceID,
			report.ProcessID,
			report.Location,
			report.ObservationDate,
		).Scan(&report.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.NotFound("gap_report", formatID(report.ID))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update gap report")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM gap_report_involved_users WHERE report_id = $1`, report.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear involved users")
		}
		return insertInvolvedUsers(ctx, tx, report.ID, report.InvolvedUserIDs)
	})
}

// Delete removes a report. Involvement rows cascade and notifications keep
// their text with the report reference detached. Callers delete the report's
// gaps first; the gap foreign key deliberately does not cascade.
func (r *ReportRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM gap_reports WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete gap report")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("gap_report", formatID(id))
	}
	return nil
}

// GapCount returns how many gaps the report currently holds.
func (r *ReportRepository) GapCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM gaps WHERE report_id = $1`, id).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count gaps for report")
	}
	return count, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func insertInvolvedUsers(ctx context.Context, tx pgx.Tx, reportID int64, userIDs []int64) error {
	for _, userID := range userIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO gap_report_involved_users (report_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			reportID, userID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to add involved user")
		}
	}
	return nil
}

func (r *ReportRepository) involvedUsers(ctx context.Context, reportID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM gap_report_involved_users WHERE report_id = $1 ORDER BY user_id`, reportID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load involved users")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan involved user")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type reportScanner interface {
	Scan(dest ...any) error
}

func (r *ReportRepository) scanReport(row reportScanner) (*GapReport, error) {
	report := &GapReport{}
	err := row.Scan(
		&report.ID,
		&report.AuditSourceID,
		&report.SourceReference,
		&report.ServiceID,
		&report.ProcessID,
		&report.Location,
		&report.ObservationDate,
		&report.DeclaredBy,
		&report.CreatedAt,
		&report.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return report, nil
}
