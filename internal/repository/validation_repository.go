package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/database"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
)

// ValidationRepository records validator rulings. Rows are insert-only: a
// decision is never updated or deleted by the workflow, and the unique
// (gap, level) index makes the first writer at a level win.
type ValidationRepository struct {
	db *database.DB
}

// NewValidationRepository creates a new ValidationRepository.
func NewValidationRepository(db *database.DB) *ValidationRepository {
	return &ValidationRepository{db: db}
}

// Record inserts a decision and, when newStatus is non-nil, mutates the gap
// status in the same transaction so the two writes are observed together or
// not at all. A second decision at the same level fails with a conflict.
func (r *ValidationRepository) Record(ctx context.Context, v *GapValidation, newStatus *GapStatus) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO gap_validations
			    (gap_id, validator_id, level, action, comment)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, validated_at
		`

		err := tx.QueryRow(ctx, query,
			v.GapID,
			v.ValidatorID,
			v.Level,
			v.Action,
			v.Comment,
		).Scan(&v.ID, &v.ValidatedAt)
		if err != nil {
			return err
		}

		if newStatus == nil {
			return nil
		}

		var gapID int64
		err = tx.QueryRow(ctx,
			`UPDATE gaps SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING id`,
			v.GapID, *newStatus,
		).Scan(&gapID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("gap", formatID(v.GapID))
		}
		return err
	})

	if database.IsUniqueViolation(err) {
		return errors.New(errors.ErrCodeConflict, "a decision already exists at this level for this gap")
	}
	return err
}

// ListForGap returns a gap's decisions ordered by level ascending.
func (r *ValidationRepository) ListForGap(ctx context.Context, gapID int64) ([]*GapValidation, error) {
	query := `
		SELECT id, gap_id, validator_id, level, action, comment, validated_at
		FROM gap_validations
		WHERE gap_id = $1
		ORDER BY level ASC
	`

	rows, err := r.db.Query(ctx, query, gapID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list gap validations")
	}
	defer rows.Close()

	return scanValidations(rows)
}

// LastDecisions returns the highest-level decision per gap for a set of
// gaps, keyed by gap ID. Gaps with no decision are absent from the map.
func (r *ValidationRepository) LastDecisions(ctx context.Context, gapIDs []int64) (map[int64]*GapValidation, error) {
	if len(gapIDs) == 0 {
		return map[int64]*GapValidation{}, nil
	}

	query := `
		SELECT DISTINCT ON (gap_id)
		       id, gap_id, validator_id, level, action, comment, validated_at
		FROM gap_validations
		WHERE gap_id = ANY($1)
		ORDER BY gap_id, level DESC
	`

	rows, err := r.db.Query(ctx, query, gapIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load last decisions")
	}
	defer rows.Close()

	decisions, err := scanValidations(rows)
	if err != nil {
		return nil, err
	}

	byGap := make(map[int64]*GapValidation, len(decisions))
	for _, d := range decisions {
		byGap[d.GapID] = d
	}
	return byGap, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanValidations(rows pgx.Rows) ([]*GapValidation, error) {
	var validations []*GapValidation
	for rows.Next() {
		v := &GapValidation{}
		err := rows.Scan(
			&v.ID,
			&v.GapID,
			&v.ValidatorID,
			&v.Level,
			&v.Action,
			&v.Comment,
			&v.ValidatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan gap validation")
		}
		validations = append(validations, v)
	}
	return validations, rows.Err()
}
