package services

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/inboxd/internal/backends"
	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/hooks"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/internal/templates"
)

func (e *testEnv) fanOutAndDispatch(t *testing.T) {
	t.Helper()
	_, err := e.fanout.ProcessBatch(t.Context())
	require.NoError(t, err)
	_, err = e.dispatch.ProcessBatch(t.Context())
	require.NoError(t, err)
}

func templatesWithoutEmailBody() *templates.Resolver {
	return templates.NewResolver(fstest.MapFS{
		"release_notes/subject.txt": {Data: []byte("Release {{.Data.version}}")},
		"release_notes/body.txt":    {Data: []byte("Version {{.Data.version}} has shipped.")},
	})
}

func recordFor(t *testing.T, records []models.DeliveryRecord, ch models.Channel) models.DeliveryRecord {
	t.Helper()
	for _, rec := range records {
		if rec.Channel == ch {
			return rec
		}
	}
	t.Fatalf("no delivery record for channel %s", ch)
	return models.DeliveryRecord{}
}

func TestDispatchSendsOnEnabledChannels(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)
	msg := env.createMessage(t, recipient.ID, "release_notes")

	env.fanOutAndDispatch(t)

	records := env.records(t, msg.ID)
	require.Equal(t, models.DeliveryStatusSent, recordFor(t, records, models.ChannelPush).Status)
	require.Equal(t, models.DeliveryStatusSent, recordFor(t, records, models.ChannelEmail).Status)

	pushes := env.outbox[models.ChannelPush].Outbox()
	require.NotEmpty(t, pushes)
	require.Equal(t, "v2.4.0 is out", pushes[0].Subject)

	emails := env.outbox[models.ChannelEmail].Outbox()
	require.NotEmpty(t, emails)
	require.Equal(t, "Release 2.4.0", emails[0].Subject)
	require.Equal(t, "<p>Version 2.4.0 has shipped.</p>", emails[0].Body)
}

func TestDispatchSkipsDisabledPreference(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	_, err := env.prefs.Patch(t.Context(), recipient.ID, "updates",
		models.ChannelValues{Email: boolPtr(false)})
	require.NoError(t, err)

	msg := env.createMessage(t, recipient.ID, "release_notes")
	env.fanOutAndDispatch(t)

	records := env.records(t, msg.ID)
	require.Equal(t, models.DeliveryStatusSent, recordFor(t, records, models.ChannelPush).Status)
	email := recordFor(t, records, models.ChannelEmail)
	require.Equal(t, models.DeliveryStatusSkippedForPreference, email.Status)
	require.Empty(t, env.outbox[models.ChannelEmail].Outbox())
}

func TestDispatchDefaultOffChannelSkips(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	// billing defaults sms to false; no stored preference exists.
	msg := env.createMessage(t, recipient.ID, "invoice_ready")
	env.fanOutAndDispatch(t)

	records := env.records(t, msg.ID)
	sms := recordFor(t, records, models.ChannelSMS)
	require.Equal(t, models.DeliveryStatusSkippedForPreference, sms.Status)
	require.Equal(t, models.DeliveryStatusSent, recordFor(t, records, models.ChannelEmail).Status)
}

func TestDispatchForcedGoesThroughTheFullGate(t *testing.T) {
	env := newTestEnv(t)
	withToken := env.createRecipient(t)
	noToken := env.createRecipient(t, func(r *models.Recipient) {
		r.Email = "carol@example.com"
		r.PushToken = ""
	})

	forced := func(in *CreateMessageInput) { in.Forced = true }
	m1 := env.createMessage(t, withToken.ID, "invoice_ready", forced)
	m2 := env.createMessage(t, noToken.ID, "release_notes", forced)

	env.fanOutAndDispatch(t)

	// A forced message grants no preference exemption. billing defaults
	// sms to false, so the sms record is skipped like any other.
	sms := recordFor(t, env.records(t, m1.ID), models.ChannelSMS)
	require.Equal(t, models.DeliveryStatusSkippedForPreference, sms.Status)
	require.Equal(t, models.DeliveryStatusSent, recordFor(t, env.records(t, m1.ID), models.ChannelEmail).Status)

	// Capability limits apply too: no token means push cannot happen.
	push := recordFor(t, env.records(t, m2.ID), models.ChannelPush)
	require.Equal(t, models.DeliveryStatusFailed, push.Status)
	require.Equal(t, models.FailureReasonMissingChannelIdentity, push.FailureReason)
}

func TestDispatchWebPushNeedsRegisteredToken(t *testing.T) {
	env := newTestEnv(t)
	cat, err := catalog.New([]catalog.GroupConfig{{
		ID:          "updates",
		Label:       "Product updates",
		MessageKeys: []string{"release_notes"},
		PreferenceDefaults: models.ChannelValues{
			WebPush: boolPtr(true),
		},
	}})
	require.NoError(t, err)
	env.holder.Swap(cat)

	tokenless := env.createRecipient(t, func(r *models.Recipient) { r.PushToken = "" })
	reachable := env.createRecipient(t, func(r *models.Recipient) { r.Email = "dan@example.com" })

	m1 := env.createMessage(t, tokenless.ID, "release_notes")
	m2 := env.createMessage(t, reachable.ID, "release_notes")

	env.fanOutAndDispatch(t)

	failed := recordFor(t, env.records(t, m1.ID), models.ChannelWebPush)
	require.Equal(t, models.DeliveryStatusFailed, failed.Status)
	require.Equal(t, models.FailureReasonMissingChannelIdentity, failed.FailureReason)

	sent := recordFor(t, env.records(t, m2.ID), models.ChannelWebPush)
	require.Equal(t, models.DeliveryStatusSent, sent.Status)
}

func TestDispatchMissingIdentityFails(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t, func(r *models.Recipient) {
		r.PushToken = ""
		r.Email = ""
	})
	msg := env.createMessage(t, recipient.ID, "release_notes")

	env.fanOutAndDispatch(t)

	records := env.records(t, msg.ID)
	for _, rec := range records {
		require.Equal(t, models.DeliveryStatusFailed, rec.Status)
		require.Equal(t, models.FailureReasonMissingChannelIdentity, rec.FailureReason)
	}
}

func TestDispatchVerificationGate(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t, func(r *models.Recipient) {
		r.EmailVerifiedAt = nil
	})
	msg := env.createMessage(t, recipient.ID, "release_notes")

	strict, err := NewDispatchService(env.db, env.holder, env.registry, env.resolver, env.prefs, env.set,
		DispatchServiceConfig{RequireEmailVerified: true})
	require.NoError(t, err)
	strict.WithNow(func() time.Time { return env.now })

	_, err = env.fanout.ProcessBatch(t.Context())
	require.NoError(t, err)
	_, err = strict.ProcessBatch(t.Context())
	require.NoError(t, err)

	email := recordFor(t, env.records(t, msg.ID), models.ChannelEmail)
	require.Equal(t, models.DeliveryStatusFailed, email.Status)
	require.Equal(t, models.FailureReasonChannelNotVerified, email.FailureReason)
}

func TestDispatchCanSendOverride(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	env.registry.MustRegister("release_notes", hooks.Hooks{
		CanSend: func(_ context.Context, _ *models.DeliveryRecord, _ *models.Message, _ *models.Recipient) (bool, error) {
			return false, nil
		},
	})

	msg := env.createMessage(t, recipient.ID, "release_notes")
	env.fanOutAndDispatch(t)

	for _, rec := range env.records(t, msg.ID) {
		require.Equal(t, models.DeliveryStatusSkippedForPreference, rec.Status)
	}
	require.Empty(t, env.outbox[models.ChannelEmail].Outbox())
}

func TestDispatchChannelOverrideRefusal(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	env.registry.MustRegister("release_notes", hooks.Hooks{
		CanSendForChannel: map[models.Channel]hooks.GateFunc{
			models.ChannelPush: func(_ context.Context, _ *models.DeliveryRecord, _ *models.Message, _ *models.Recipient) (bool, error) {
				return false, nil
			},
		},
	})

	msg := env.createMessage(t, recipient.ID, "release_notes")
	env.fanOutAndDispatch(t)

	records := env.records(t, msg.ID)
	push := recordFor(t, records, models.ChannelPush)
	require.Equal(t, models.DeliveryStatusFailed, push.Status)
	require.Equal(t, models.FailureReasonMissingChannelIdentity, push.FailureReason)
	require.Equal(t, models.DeliveryStatusSent, recordFor(t, records, models.ChannelEmail).Status)
}

func TestDispatchBackendErrorRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)
	env.outbox[models.ChannelEmail].FailWith(&backends.SendError{
		Code:   backends.FailureTransport,
		Detail: "connection refused",
	})

	msg := env.createMessage(t, recipient.ID, "release_notes")
	env.fanOutAndDispatch(t)

	email := recordFor(t, env.records(t, msg.ID), models.ChannelEmail)
	require.Equal(t, models.DeliveryStatusFailed, email.Status)
	require.Equal(t, models.FailureReasonBackendError, email.FailureReason)
	require.Contains(t, email.FailureDetail, "connection refused")
}

func TestDispatchInvalidDestinationClearsPushToken(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)
	env.outbox[models.ChannelPush].FailWith(&backends.SendError{
		Code:          backends.FailureDestinationInvalid,
		Detail:        "registration token not registered",
		ClearIdentity: true,
	})

	msg := env.createMessage(t, recipient.ID, "release_notes")
	env.fanOutAndDispatch(t)

	push := recordFor(t, env.records(t, msg.ID), models.ChannelPush)
	require.Equal(t, models.DeliveryStatusFailed, push.Status)

	var stored models.Recipient
	require.NoError(t, env.db.First(&stored, "id = ?", recipient.ID).Error)
	require.Empty(t, stored.PushToken)
}

func TestDispatchMissingChannelTemplateFails(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)

	// A resolver without the email body template: the base templates used
	// at create time exist, but email rendering has nothing to fall back to.
	bare := templatesWithoutEmailBody()
	sparse, err := NewDispatchService(env.db, env.holder, env.registry, bare, env.prefs, env.set,
		DispatchServiceConfig{})
	require.NoError(t, err)
	sparse.WithNow(func() time.Time { return env.now })

	msg := env.createMessage(t, recipient.ID, "release_notes")
	_, err = env.fanout.ProcessBatch(t.Context())
	require.NoError(t, err)
	_, err = sparse.ProcessBatch(t.Context())
	require.NoError(t, err)

	email := recordFor(t, env.records(t, msg.ID), models.ChannelEmail)
	require.Equal(t, models.DeliveryStatusFailed, email.Status)
	require.Equal(t, models.FailureReasonMissingTemplate, email.FailureReason)
}

func TestDispatchTerminalStatusIsFinal(t *testing.T) {
	env := newTestEnv(t)
	recipient := env.createRecipient(t)
	msg := env.createMessage(t, recipient.ID, "release_notes")

	env.fanOutAndDispatch(t)
	before := env.records(t, msg.ID)

	// A second pass finds nothing to do.
	n, err := env.dispatch.ProcessBatch(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, before, env.records(t, msg.ID))
}
