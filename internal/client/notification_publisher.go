package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/natsclient"
)

// NotificationPublisher publishes gap workflow events to NATS for
// consumption by the notification delivery service (mail, dashboard push).
//
// Subject convention: notifications.qa.<event_type>
// Event types mirror the notification types: validation_request,
// validation_completed, gap_retained, gap_rejected, gap_created,
// gap_modified, gap_deleted, gap_status_changed, declaration_involved.
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so a bus outage never interrupts workflow operations.
type NotificationPublisher struct {
	nats *natsclient.Client
	log  zerolog.Logger
}

// GapEvent is the JSON schema published to NATS.
type GapEvent struct {
	EventType   string         `json:"event_type"`
	RecipientID int64          `json:"recipient_id"`
	GapID       *int64         `json:"gap_id,omitempty"`
	ReportID    *int64         `json:"report_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats *natsclient.Client, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishGapEvent publishes one workflow event.
// Subject: notifications.qa.<eventType>
func (p *NotificationPublisher) PublishGapEvent(ctx context.Context, eventType string, gapID, reportID *int64, recipientID int64, payload map[string]any) {
	if p.nats == nil {
		return
	}

	event := &GapEvent{
		EventType:   eventType,
		RecipientID: recipientID,
		GapID:       gapID,
		ReportID:    reportID,
		Payload:     payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.qa.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Int64("recipient_id", recipientID).
		Msg("notification: event published")
}
