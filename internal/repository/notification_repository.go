package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/database"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
)

// NotificationRepository persists directed user notifications. Only the read
// state ever changes after creation.
type NotificationRepository struct {
	db *database.DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a fully formed notification.
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications
		    (user_id, gap_id, report_id, type, title, message, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	return r.db.QueryRow(ctx, query,
		n.UserID,
		n.GapID,
		n.ReportID,
		n.Type,
		n.Title,
		n.Message,
		n.Priority,
	).Scan(&n.ID, &n.CreatedAt)
}

// GetByID retrieves one notification.
func (r *NotificationRepository) GetByID(ctx context.Context, id int64) (*Notification, error) {
	query := `
		SELECT id, user_id, gap_id, report_id, type, title, message, priority,
		       is_read, read_at, created_at
		FROM notifications
		WHERE id = $1
	`

	n, err := r.scanNotification(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("notification", formatID(id))
	}
	return n, err
}

// ListForUser returns a user's notifications newest-first, optionally only
// unread ones.
func (r *NotificationRepository) ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT id, user_id, gap_id, report_id, type, title, message, priority,
		       is_read, read_at, created_at
		FROM notifications
		WHERE user_id = $1
	`
	if unreadOnly {
		query += " AND is_read = FALSE"
	}
	query += " ORDER BY created_at DESC LIMIT $2 OFFSET $3"

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list notifications")
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := r.scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan notification")
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// UnreadCount returns the number of unread notifications for a user.
func (r *NotificationRepository) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count unread notifications")
	}
	return count, nil
}

// MarkRead flips the read flag once. Marking an already-read notification is
// a no-op and leaves read_at untouched, so the call is idempotent.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID int64) error {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW()
		WHERE id = $1 AND user_id = $2 AND is_read = FALSE
	`

	_, err := r.db.Exec(ctx, query, id, userID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark notification read")
	}
	return nil
}

// MarkAllRead marks every unread notification for the user as read, except
// validation requests: those are only resolved by the validator actually
// deciding, so a viewing sweep must not dismiss them.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW()
		WHERE user_id = $1 AND is_read = FALSE AND type <> 'validation_request'
	`

	tag, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to mark notifications read")
	}
	return tag.RowsAffected(), nil
}

// MarkValidationRequestsRead resolves a validator's pending validation
// requests for one gap as a side effect of their decision.
func (r *NotificationRepository) MarkValidationRequestsRead(ctx context.Context, gapID, userID int64) (int64, error) {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW()
		WHERE user_id = $1 AND gap_id = $2
		  AND type = 'validation_request' AND is_read = FALSE
	`

	tag, err := r.db.Exec(ctx, query, userID, gapID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve validation requests")
	}
	return tag.RowsAffected(), nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

type notificationScanner interface {
	Scan(dest ...any) error
}

func (r *NotificationRepository) scanNotification(row notificationScanner) (*Notification, error) {
	n := &Notification{}
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.GapID,
		&n.ReportID,
		&n.Type,
		&n.Title,
		&n.Message,
		&n.Priority,
		&n.IsRead,
		&n.ReadAt,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}
