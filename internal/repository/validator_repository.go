package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/database"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
)

// ValidatorRepository resolves and administers validator assignments: the
// (service, audit source, level) → validator bindings driving escalation.
// Lookups are exact-match; parent/child services are never consulted.
type ValidatorRepository struct {
	db *database.DB
}

// NewValidatorRepository creates a new ValidatorRepository.
func NewValidatorRepository(db *database.DB) *ValidatorRepository {
	return &ValidatorRepository{db: db}
}

// Create inserts a new assignment. The partial unique index on active
// (service, audit source, level) triples rejects a second active binding.
func (r *ValidatorRepository) Create(ctx context.Context, a *ValidatorAssignment) error {
	if a.Level < MinLevel || a.Level > MaxLevel {
		return errors.InvalidInput("level", "level must be between 1 and 3")
	}

	query := `
		INSERT INTO validator_assignments
		    (service_id, audit_source_id, validator_id, level, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		a.ServiceID,
		a.AuditSourceID,
		a.ValidatorID,
		a.Level,
		a.IsActive,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)

	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict,
			"an active validator is already assigned for this service, audit source and level")
	}
	return err
}

// ValidatorsFor returns assignments for a (service, audit source) pair,
// optionally filtered by level and activity, ordered by level.
func (r *ValidatorRepository) ValidatorsFor(
	ctx context.Context,
	serviceID, auditSourceID int64,
	level *int,
	activeOnly bool,
) ([]*ValidatorAssignment, error) {
	query := `
		SELECT id, service_id, audit_source_id, validator_id, level, is_active,
		       created_at, updated_at
		FROM validator_assignments
		WHERE service_id = $1 AND audit_source_id = $2
	`
	args := []any{serviceID, auditSourceID}

	if level != nil {
		query += " AND level = $3"
		args = append(args, *level)
	}
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY level ASC, id ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list validator assignments")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// AssignmentsForUser returns every assignment held by a validator.
func (r *ValidatorRepository) AssignmentsForUser(ctx context.Context, userID int64, activeOnly bool) ([]*ValidatorAssignment, error) {
	query := `
		SELECT id, service_id, audit_source_id, validator_id, level, is_active,
		       created_at, updated_at
		FROM validator_assignments
		WHERE validator_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY service_id ASC, level ASC"

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list assignments for user")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// MaxLevel returns the greatest active level configured for the pair, or 0
// when no active assignment exists (the gap then stays declared until an
// administrator intervenes).
func (r *ValidatorRepository) MaxLevel(ctx context.Context, serviceID, auditSourceID int64) (int, error) {
	query := `
		SELECT COALESCE(MAX(level), 0)
		FROM validator_assignments
		WHERE service_id = $1 AND audit_source_id = $2 AND is_active = TRUE
	`

	var max int
	if err := r.db.QueryRow(ctx, query, serviceID, auditSourceID).Scan(&max); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute max validation level")
	}
	return max, nil
}

// LevelOf returns the level at which the user is an active validator for the
// pair. When the user holds several levels the lowest wins (used for
// auto-detecting the level of an incoming decision).
func (r *ValidatorRepository) LevelOf(ctx context.Context, userID, serviceID, auditSourceID int64) (int, bool, error) {
	query := `
		SELECT level
		FROM validator_assignments
		WHERE validator_id = $1 AND service_id = $2 AND audit_source_id = $3
		  AND is_active = TRUE
		ORDER BY level ASC
		LIMIT 1
	`

	var level int
	err := r.db.QueryRow(ctx, query, userID, serviceID, auditSourceID).Scan(&level)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve validator level")
	}
	return level, true, nil
}

// SetActive toggles an assignment without deleting its history.
func (r *ValidatorRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `
		UPDATE validator_assignments
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, active).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("validator_assignment", formatID(id))
	}
	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict,
			"an active validator is already assigned for this service, audit source and level")
	}
	return err
}

// Delete removes an assignment.
func (r *ValidatorRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM validator_assignments WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete validator assignment")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("validator_assignment", formatID(id))
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *ValidatorRepository) scanRows(rows pgx.Rows) ([]*ValidatorAssignment, error) {
	var assignments []*ValidatorAssignment
	for rows.Next() {
		a := &ValidatorAssignment{}
		err := rows.Scan(
			&a.ID,
			&a.ServiceID,
			&a.AuditSourceID,
			&a.ValidatorID,
			&a.Level,
			&a.IsActive,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan validator assignment")
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}
