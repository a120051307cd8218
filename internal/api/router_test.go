package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/inboxd/internal/app"
	"github.com/charlesng35/inboxd/internal/app/processor"
	"github.com/charlesng35/inboxd/internal/backends"
	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/database/testutil"
	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/internal/hooks"
	"github.com/charlesng35/inboxd/internal/middleware"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/internal/services"
	"github.com/charlesng35/inboxd/internal/templates"
)

type routerEnv struct {
	db     *gorm.DB
	router *gin.Engine
	push   *backends.Locmem
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	cat, err := catalog.New([]catalog.GroupConfig{
		{
			ID:          "updates",
			Label:       "Product updates",
			MessageKeys: []string{"release_notes"},
			PreferenceDefaults: models.ChannelValues{
				Push:  boolPtr(true),
				Email: boolPtr(true),
			},
		},
	})
	require.NoError(t, err)
	holder := catalog.NewHolder(cat)

	resolver := templates.NewResolver(fstest.MapFS{
		"release_notes/subject.txt":     {Data: []byte("Release {{.Data.version}}")},
		"release_notes/body.txt":        {Data: []byte("Version {{.Data.version}} has shipped.")},
		"release_notes/body_email.html": {Data: []byte("<p>Version {{.Data.version}} has shipped.</p>")},
	})

	hub := events.NewHub()
	registry := hooks.NewRegistry()

	push := backends.NewLocmem()
	set := backends.NewSet()
	set.Register(models.ChannelPush, push)
	set.Register(models.ChannelEmail, backends.NewLocmem())

	cfg := &app.Config{}
	cfg.Monitoring.Prometheus.Enabled = true
	cfg.Monitoring.Prometheus.Endpoint = "/metrics"
	cfg.Monitoring.Health.Enabled = true
	cfg.Inbox.FanOutBatchSize = 25
	cfg.Inbox.DispatchBatchSize = 25

	messages, err := services.NewMessageService(db, holder, resolver, hub, set, services.MessageServiceConfig{})
	require.NoError(t, err)
	fanout, err := services.NewFanOutService(db, holder, registry, messages, 25)
	require.NoError(t, err)
	prefs, err := services.NewPreferenceService(db, holder, hub)
	require.NoError(t, err)
	dispatch, err := services.NewDispatchService(db, holder, registry, resolver, prefs, set, services.DispatchServiceConfig{BatchSize: 25})
	require.NoError(t, err)
	retention, err := services.NewRetentionService(db, services.RetentionPolicy{})
	require.NoError(t, err)

	router, err := NewRouter(db, cfg, Dependencies{
		Catalog:   holder,
		Resolver:  resolver,
		Hub:       hub,
		Backends:  set,
		Processor: processor.New(fanout, dispatch, retention),
	})
	require.NoError(t, err)

	return &routerEnv{db: db, router: router, push: push}
}

func (e *routerEnv) request(t *testing.T, method, path, recipientID string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if recipientID != "" {
		req.Header.Set(middleware.RecipientHeader, recipientID)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *routerEnv) createRecipient(t *testing.T) *models.Recipient {
	t.Helper()
	recipient := &models.Recipient{Email: "ada@example.com", PushToken: "token-ada"}
	require.NoError(t, e.db.Create(recipient).Error)
	return recipient
}

func boolPtr(v bool) *bool { return &v }

func TestRouterPublicAndProtectedRoutes(t *testing.T) {
	env := newRouterEnv(t)

	resp := env.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = env.request(t, http.MethodGet, "/api/messages", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code, resp.Body.String())

	resp = env.request(t, http.MethodGet, "/api/preferences", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code, resp.Body.String())

	resp = env.request(t, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRouterMessageLifecycle(t *testing.T) {
	env := newRouterEnv(t)
	recipient := env.createRecipient(t)

	resp := env.request(t, http.MethodPost, "/internal/messages", "", map[string]any{
		"recipient_id": recipient.ID,
		"key":          "release_notes",
		"data":         map[string]any{"version": "2.4.0"},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	// Not visible until fanned out.
	resp = env.request(t, http.MethodGet, "/api/messages", recipient.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var listing struct {
		Data []models.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listing))
	require.Empty(t, listing.Data)

	resp = env.request(t, http.MethodPost, "/internal/cron/process-messages", "", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	resp = env.request(t, http.MethodPost, "/internal/cron/process-deliveries", "", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = env.request(t, http.MethodGet, "/api/messages", recipient.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listing))
	require.Len(t, listing.Data, 1)
	require.Equal(t, "release_notes", listing.Data[0].Key)
	require.NotNil(t, listing.Data[0].Subject)
	require.Equal(t, "Release 2.4.0", *listing.Data[0].Subject)

	require.NotEmpty(t, env.push.Outbox())

	messageID := listing.Data[0].ID

	resp = env.request(t, http.MethodGet, "/api/messages/unread-count", recipient.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"unread_count":1`)

	resp = env.request(t, http.MethodPost, "/api/messages/"+messageID+"/read", recipient.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = env.request(t, http.MethodGet, "/api/messages/unread-count", recipient.ID, nil)
	require.Contains(t, resp.Body.String(), `"unread_count":0`)

	resp = env.request(t, http.MethodGet, "/api/messages/"+messageID+"/body", recipient.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), "Version 2.4.0 has shipped.")

	resp = env.request(t, http.MethodDelete, "/api/messages/"+messageID, recipient.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.request(t, http.MethodGet, "/api/messages/"+messageID, recipient.ID, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRouterPreferences(t *testing.T) {
	env := newRouterEnv(t)
	recipient := env.createRecipient(t)

	resp := env.request(t, http.MethodGet, "/api/preferences", recipient.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.Contains(t, resp.Body.String(), `"id":"updates"`)

	resp = env.request(t, http.MethodPatch, "/api/preferences/updates", recipient.ID, map[string]any{
		"push": false,
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.Contains(t, resp.Body.String(), `"push":false`)

	resp = env.request(t, http.MethodPatch, "/api/preferences/unknown", recipient.ID, map[string]any{
		"push": true,
	})
	require.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())
	require.Contains(t, resp.Body.String(), "inbox.unknown_group")
}

func TestRouterMetricsEndpoint(t *testing.T) {
	env := newRouterEnv(t)

	resp := env.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.request(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.True(t, strings.Contains(resp.Body.String(), "inboxd_api_latency_seconds"))
}
