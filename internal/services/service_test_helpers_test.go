package services

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/inboxd/internal/backends"
	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/database/testutil"
	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/internal/hooks"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/internal/templates"
)

// testEnv wires a full engine against an in-memory database, a template
// MapFS, and locmem backends on every channel.
type testEnv struct {
	db       *gorm.DB
	holder   *catalog.Holder
	resolver *templates.Resolver
	hub      *events.Hub
	registry *hooks.Registry
	set      *backends.Set
	outbox   map[models.Channel]*backends.Locmem

	messages *MessageService
	prefs    *PreferenceService
	fanout   *FanOutService
	dispatch *DispatchService
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	cat, err := catalog.New([]catalog.GroupConfig{
		{
			ID:          "updates",
			Label:       "Product updates",
			MessageKeys: []string{"release_notes", "roadmap_vote"},
			PreferenceDefaults: models.ChannelValues{
				Push:  boolPtr(true),
				Email: boolPtr(true),
			},
			SkipEmail: []string{"roadmap_vote"},
		},
		{
			ID:          "billing",
			Label:       "Billing",
			MessageKeys: []string{"invoice_ready"},
			PreferenceDefaults: models.ChannelValues{
				Email: boolPtr(true),
				SMS:   boolPtr(false),
			},
		},
	})
	require.NoError(t, err)
	holder := catalog.NewHolder(cat)

	resolver := templates.NewResolver(fstest.MapFS{
		"release_notes/subject.txt":      {Data: []byte("Release {{.Data.version}}")},
		"release_notes/subject_push.txt": {Data: []byte("v{{.Data.version}} is out")},
		"release_notes/body.txt":         {Data: []byte("Version {{.Data.version}} has shipped.")},
		"release_notes/body_email.html":  {Data: []byte("<p>Version {{.Data.version}} has shipped.</p>")},
		"release_notes/body_excerpt.txt": {Data: []byte("New release available.")},
		"roadmap_vote/subject.txt":       {Data: []byte("Vote on the roadmap")},
		"roadmap_vote/body.txt":          {Data: []byte("Your vote counts.")},
		"invoice_ready/subject.txt":      {Data: []byte("Invoice ready")},
		"invoice_ready/body.txt":         {Data: []byte("Invoice {{.Data.number}} is ready.")},
		"invoice_ready/body_email.html":  {Data: []byte("<p>Invoice {{.Data.number}} is ready.</p>")},
	})

	hub := events.NewHub()
	registry := hooks.NewRegistry()

	set := backends.NewSet()
	outbox := make(map[models.Channel]*backends.Locmem, len(models.Channels))
	for _, ch := range models.Channels {
		lm := backends.NewLocmem()
		set.Register(ch, lm)
		outbox[ch] = lm
	}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	messages, err := NewMessageService(db, holder, resolver, hub, set, MessageServiceConfig{})
	require.NoError(t, err)
	messages.WithNow(clock)

	prefs, err := NewPreferenceService(db, holder, hub)
	require.NoError(t, err)

	fanout, err := NewFanOutService(db, holder, registry, messages, 25)
	require.NoError(t, err)
	fanout.WithNow(clock)

	dispatch, err := NewDispatchService(db, holder, registry, resolver, prefs, set, DispatchServiceConfig{})
	require.NoError(t, err)
	dispatch.WithNow(clock)

	return &testEnv{
		db:       db,
		holder:   holder,
		resolver: resolver,
		hub:      hub,
		registry: registry,
		set:      set,
		outbox:   outbox,
		messages: messages,
		prefs:    prefs,
		fanout:   fanout,
		dispatch: dispatch,
		now:      now,
	}
}

// mustCatalogWithKey builds a one-group catalog owning the given message key.
func mustCatalogWithKey(t *testing.T, key string) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.GroupConfig{
		{
			ID:          "misc",
			MessageKeys: []string{key},
			PreferenceDefaults: models.ChannelValues{
				Email: boolPtr(true),
			},
		},
	})
	require.NoError(t, err)
	return cat
}

func (e *testEnv) createRecipient(t *testing.T, mutate ...func(*models.Recipient)) *models.Recipient {
	t.Helper()
	verified := e.now.Add(-time.Hour)
	recipient := &models.Recipient{
		Email:           "ada@example.com",
		EmailVerifiedAt: &verified,
		Phone:           "+15550100",
		PhoneVerifiedAt: &verified,
		PushToken:       "token-ada",
	}
	for _, fn := range mutate {
		fn(recipient)
	}
	require.NoError(t, e.db.Create(recipient).Error)
	return recipient
}

func (e *testEnv) createMessage(t *testing.T, recipientID, key string, mutate ...func(*CreateMessageInput)) *models.Message {
	t.Helper()
	input := CreateMessageInput{
		RecipientID: recipientID,
		Key:         key,
		Data:        map[string]any{"version": "2.4.0", "number": "INV-7"},
	}
	for _, fn := range mutate {
		fn(&input)
	}
	msg, err := e.messages.Create(t.Context(), input)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return msg
}

func (e *testEnv) records(t *testing.T, messageID string) []models.DeliveryRecord {
	t.Helper()
	var rows []models.DeliveryRecord
	require.NoError(t, e.db.Where("message_id = ?", messageID).Order("channel ASC").Find(&rows).Error)
	return rows
}

func (e *testEnv) reloadMessage(t *testing.T, id string) *models.Message {
	t.Helper()
	var msg models.Message
	require.NoError(t, e.db.First(&msg, "id = ?", id).Error)
	return &msg
}
