package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/internal/models"
	apperrors "github.com/charlesng35/inboxd/pkg/errors"
)

func TestPreferencesGetReturnsDefaultsForNewRecipient(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	got, err := env.prefs.Get(t.Context(), recipient.ID)
	require.NoError(t, err)

	require.Len(t, got, 2)
	require.Equal(t, "updates", got[0].ID)
	require.True(t, got[0].Enabled(models.ChannelPush))
	require.True(t, got[0].Enabled(models.ChannelEmail))
	require.Nil(t, got[0].SMS)

	require.Equal(t, "billing", got[1].ID)
	require.NotNil(t, got[1].SMS)
	require.False(t, *got[1].SMS)
}

func TestPreferencesUpdatePersistsMergedList(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	got, err := env.prefs.Update(t.Context(), recipient.ID, models.GroupPreferences{
		{ID: "updates", ChannelValues: models.ChannelValues{Push: boolPtr(false)}},
	})
	require.NoError(t, err)
	require.False(t, got[0].Enabled(models.ChannelPush))
	require.True(t, got[0].Enabled(models.ChannelEmail))

	// The stored value survives a fresh read.
	again, err := env.prefs.Get(t.Context(), recipient.ID)
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestPreferencesUpdateStripsUnknownEntries(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	got, err := env.prefs.Update(t.Context(), recipient.ID, models.GroupPreferences{
		{ID: "ghost", ChannelValues: models.ChannelValues{Push: boolPtr(true)}},
		{ID: "billing", ChannelValues: models.ChannelValues{Push: boolPtr(true), SMS: boolPtr(true)}},
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	for _, pref := range got {
		require.NotEqual(t, "ghost", pref.ID)
	}
	billing := got[1]
	require.Equal(t, "billing", billing.ID)
	require.Nil(t, billing.Push) // billing never offers push
	require.True(t, billing.Enabled(models.ChannelSMS))
}

func TestPreferencesPatchSingleGroup(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	got, err := env.prefs.Patch(t.Context(), recipient.ID, "updates",
		models.ChannelValues{Email: boolPtr(false)})
	require.NoError(t, err)

	updates := got[0]
	require.False(t, updates.Enabled(models.ChannelEmail))
	// Untouched channels keep their defaults.
	require.True(t, updates.Enabled(models.ChannelPush))

	// Patching another channel keeps the earlier patch.
	got, err = env.prefs.Patch(t.Context(), recipient.ID, "updates",
		models.ChannelValues{Push: boolPtr(false)})
	require.NoError(t, err)
	require.False(t, got[0].Enabled(models.ChannelEmail))
	require.False(t, got[0].Enabled(models.ChannelPush))
}

func TestPreferencesPatchValidation(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	_, err := env.prefs.Patch(t.Context(), recipient.ID, "ghost",
		models.ChannelValues{Email: boolPtr(true)})
	require.ErrorIs(t, err, apperrors.ErrUnknownGroup)

	_, err = env.prefs.Patch(t.Context(), recipient.ID, "billing",
		models.ChannelValues{Push: boolPtr(true)})
	appErr := apperrors.FromError(err)
	require.Equal(t, apperrors.ErrUnknownChannel.Code, appErr.Code)
}

func TestPreferencesChangePublishesEvent(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	var mu sync.Mutex
	var got []events.Event
	env.hub.AddListener(func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	_, err := env.prefs.Patch(t.Context(), recipient.ID, "updates",
		models.ChannelValues{Push: boolPtr(false)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, events.EventPreferencesChanged, got[0].Event)
	require.Equal(t, recipient.ID, got[0].RecipientID)
	require.NotNil(t, got[0].Groups)
}

func TestPreferencesDriveDeliveryGate(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	// Enable the default-off sms channel for billing.
	_, err := env.prefs.Patch(t.Context(), recipient.ID, "billing",
		models.ChannelValues{SMS: boolPtr(true)})
	require.NoError(t, err)

	msg := env.createMessage(t, recipient.ID, "invoice_ready")
	env.fanOutAndDispatch(t)

	sms := recordFor(t, env.records(t, msg.ID), models.ChannelSMS)
	require.Equal(t, models.DeliveryStatusSent, sms.Status)
}
