package service

import (
	"context"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/errors"
	"github.com/pesio-ai/be-qa-gaps/internal/platform/logger"
	"github.com/pesio-ai/be-qa-gaps/internal/repository"
)

// NotificationStore is the persistence surface the notifier needs.
type NotificationStore interface {
	Create(ctx context.Context, n *repository.Notification) error
	GetByID(ctx context.Context, id int64) (*repository.Notification, error)
	ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]*repository.Notification, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
	MarkRead(ctx context.Context, id, userID int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
	MarkValidationRequestsRead(ctx context.Context, gapID, userID int64) (int64, error)
}

// EventPublisher mirrors notifications onto the event bus for downstream
// consumers (mail, dashboards). Implementations must never fail the caller.
type EventPublisher interface {
	PublishGapEvent(ctx context.Context, eventType string, gapID, reportID *int64, recipientID int64, payload map[string]any)
}

// NotifyInput is a fully formed notification to persist.
type NotifyInput struct {
	UserID   int64
	GapID    *int64
	ReportID *int64
	Type     string
	Title    string
	Message  string
	Priority string
}

// Notifier persists notifications and mirrors them to the event bus. It
// carries no business logic: deciding who gets notified is the caller's job.
type Notifier struct {
	store     NotificationStore
	publisher EventPublisher
	log       *logger.Logger
}

// NewNotifier creates a Notifier. publisher may be nil when no event bus is
// configured.
func NewNotifier(store NotificationStore, publisher EventPublisher, log *logger.Logger) *Notifier {
	return &Notifier{store: store, publisher: publisher, log: log}
}

// Notify persists the notification and publishes the matching event.
func (n *Notifier) Notify(ctx context.Context, in NotifyInput) (*repository.Notification, error) {
	if in.Priority == "" {
		in.Priority = repository.PriorityNormal
	}

	notification := &repository.Notification{
		UserID:   in.UserID,
		GapID:    in.GapID,
		ReportID: in.ReportID,
		Type:     in.Type,
		Title:    in.Title,
		Message:  in.Message,
		Priority: in.Priority,
	}

	if err := n.store.Create(ctx, notification); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create notification")
	}

	if n.publisher != nil {
		n.publisher.PublishGapEvent(ctx, in.Type, in.GapID, in.ReportID, in.UserID, map[string]any{
			"title":    in.Title,
			"priority": in.Priority,
		})
	}

	return notification, nil
}

// MarkRead flips a notification's read flag; repeated calls are no-ops.
func (n *Notifier) MarkRead(ctx context.Context, id, userID int64) error {
	return n.store.MarkRead(ctx, id, userID)
}

// MarkAllRead sweeps a user's unread notifications, excluding validation
// requests: a pending request is only resolved by the validator deciding.
func (n *Notifier) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	return n.store.MarkAllRead(ctx, userID)
}

// ResolveValidationRequests marks a validator's pending requests for a gap
// as read after they have acted on it.
func (n *Notifier) ResolveValidationRequests(ctx context.Context, gapID, userID int64) {
	count, err := n.store.MarkValidationRequestsRead(ctx, gapID, userID)
	if err != nil {
		n.log.Warn().Err(err).
			Int64("gap_id", gapID).
			Int64("user_id", userID).
			Msg("Failed to resolve validation request notifications")
		return
	}
	if count > 0 {
		n.log.Debug().
			Int64("gap_id", gapID).
			Int64("user_id", userID).
			Int64("count", count).
			Msg("Validation request notifications resolved")
	}
}

// ListForUser returns a user's notifications.
func (n *Notifier) ListForUser(ctx context.Context, userID int64, unreadOnly bool, limit, offset int) ([]*repository.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return n.store.ListForUser(ctx, userID, unreadOnly, limit, offset)
}

// UnreadCount returns the user's unread notification count.
func (n *Notifier) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return n.store.UnreadCount(ctx, userID)
}
