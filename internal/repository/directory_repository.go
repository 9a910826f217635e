package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/database"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
)

// DirectoryRepository is the read-only view over the user, service, audit
// source, process and gap-type catalog. The catalog is administered by the
// surrounding system; the workflow only consults it.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// GetUser retrieves one user.
func (r *DirectoryRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, username, first_name, last_name, email, rights, service_id,
		       is_active, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	u := &User{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&u.ID,
		&u.Username,
		&u.FirstName,
		&u.LastName,
		&u.Email,
		&u.Rights,
		&u.ServiceID,
		&u.IsActive,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", formatID(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// GetAuditSource retrieves one audit source.
func (r *DirectoryRepository) GetAuditSource(ctx context.Context, id int64) (*AuditSource, error) {
	query := `
		SELECT id, code, name, description, requires_process, is_active,
		       created_at, updated_at
		FROM audit_sources
		WHERE id = $1
	`

	s := &AuditSource{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID,
		&s.Code,
		&s.Name,
		&s.Description,
		&s.RequiresProcess,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("audit_source", formatID(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit source")
	}
	return s, nil
}

// GetGapType retrieves one gap type.
func (r *DirectoryRepository) GetGapType(ctx context.Context, id int64) (*GapType, error) {
	query := `
		SELECT id, audit_source_id, code, name, description, is_gap, is_active,
		       created_at, updated_at
		FROM gap_types
		WHERE id = $1
	`

	t := &GapType{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.AuditSourceID,
		&t.Code,
		&t.Name,
		&t.Description,
		&t.IsGap,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("gap_type", formatID(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get gap type")
	}
	return t, nil
}

// GetService retrieves one organizational service.
func (r *DirectoryRepository) GetService(ctx context.Context, id int64) (*Service, error) {
	query := `
		SELECT id, code, name, is_active, created_at, updated_at
		FROM services
		WHERE id = $1
	`

	s := &Service{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID,
		&s.Code,
		&s.Name,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("service", formatID(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get service")
	}
	return s, nil
}

// GetProcess retrieves one process.
func (r *DirectoryRepository) GetProcess(ctx context.Context, id int64) (*Process, error) {
	query := `
		SELECT id, code, name, description, is_active, created_at, updated_at
		FROM processes
		WHERE id = $1
	`

	p := &Process{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Code,
		&p.Name,
		&p.Description,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("process", formatID(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get process")
	}
	return p, nil
}
