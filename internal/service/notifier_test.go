package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-qa-gaps/internal/platform/logger"
	"github.com/pesio-ai/be-qa-gaps/internal/repository"
)

func TestNotifyDefaultsPriorityAndMirrorsToBus(t *testing.T) {
	store := newFakeNotificationStore()
	publisher := &fakePublisher{}
	notifier := NewNotifier(store, publisher, logger.Nop())

	gap := int64(7)
	n, err := notifier.Notify(context.Background(), NotifyInput{
		UserID:  4,
		GapID:   &gap,
		Type:    repository.NotifGapCreated,
		Title:   "7.1 - New event declared",
		Message: "details",
	})
	require.NoError(t, err)
	assert.Equal(t, repository.PriorityNormal, n.Priority)
	assert.False(t, n.IsRead)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, repository.NotifGapCreated, publisher.events[0].EventType)
	assert.Equal(t, int64(4), publisher.events[0].RecipientID)
}

func TestNotifyWorksWithoutPublisher(t *testing.T) {
	notifier := NewNotifier(newFakeNotificationStore(), nil, logger.Nop())

	_, err := notifier.Notify(context.Background(), NotifyInput{
		UserID: 4, Type: repository.NotifGapCreated, Title: "t", Message: "m",
	})
	require.NoError(t, err)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	store := newFakeNotificationStore()
	notifier := NewNotifier(store, nil, logger.Nop())

	n, err := notifier.Notify(context.Background(), NotifyInput{
		UserID: 4, Type: repository.NotifGapCreated, Title: "t", Message: "m",
	})
	require.NoError(t, err)

	require.NoError(t, notifier.MarkRead(context.Background(), n.ID, 4))
	firstReadAt := n.ReadAt
	require.NotNil(t, firstReadAt)

	// A second call changes nothing, including the read timestamp.
	require.NoError(t, notifier.MarkRead(context.Background(), n.ID, 4))
	assert.Equal(t, firstReadAt, n.ReadAt)
}

func TestMarkAllReadSparesValidationRequests(t *testing.T) {
	store := newFakeNotificationStore()
	notifier := NewNotifier(store, nil, logger.Nop())
	gap := int64(7)

	for _, notifType := range []string{
		repository.NotifGapCreated,
		repository.NotifValidationRequest,
		repository.NotifGapModified,
	} {
		_, err := notifier.Notify(context.Background(), NotifyInput{
			UserID: 4, GapID: &gap, Type: notifType, Title: "t", Message: "m",
		})
		require.NoError(t, err)
	}

	marked, err := notifier.MarkAllRead(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	// The pending validation request survives the sweep; only deciding
	// resolves it.
	requests := store.byType(4, repository.NotifValidationRequest)
	require.Len(t, requests, 1)
	assert.False(t, requests[0].IsRead)

	notifier.ResolveValidationRequests(context.Background(), gap, 4)
	assert.True(t, requests[0].IsRead)

	count, err := notifier.UnreadCount(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestResolveValidationRequestsIsScopedToGapAndUser(t *testing.T) {
	store := newFakeNotificationStore()
	notifier := NewNotifier(store, nil, logger.Nop())
	gapA, gapB := int64(7), int64(8)

	for _, in := range []NotifyInput{
		{UserID: 4, GapID: &gapA, Type: repository.NotifValidationRequest, Title: "a", Message: "m"},
		{UserID: 4, GapID: &gapB, Type: repository.NotifValidationRequest, Title: "b", Message: "m"},
		{UserID: 5, GapID: &gapA, Type: repository.NotifValidationRequest, Title: "c", Message: "m"},
	} {
		_, err := notifier.Notify(context.Background(), in)
		require.NoError(t, err)
	}

	notifier.ResolveValidationRequests(context.Background(), gapA, 4)

	assert.True(t, store.byType(4, repository.NotifValidationRequest)[0].IsRead)
	assert.False(t, store.byType(4, repository.NotifValidationRequest)[1].IsRead)
	assert.False(t, store.byType(5, repository.NotifValidationRequest)[0].IsRead)
}

func TestNotifyWrapsStoreFailure(t *testing.T) {
	store := newFakeNotificationStore()
	store.createErr = fmt.Errorf("connection reset")
	notifier := NewNotifier(store, nil, logger.Nop())

	_, err := notifier.Notify(context.Background(), NotifyInput{
		UserID: 4, Type: repository.NotifGapCreated, Title: "t", Message: "m",
	})
	require.Error(t, err)
}
