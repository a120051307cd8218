package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/inboxd/internal/backends"
	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/internal/middleware"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/internal/services"
	"github.com/charlesng35/inboxd/internal/templates"
	"github.com/charlesng35/inboxd/pkg/errors"
	"github.com/charlesng35/inboxd/pkg/response"
)

// MessageHandler exposes HTTP endpoints for a recipient's inbox.
type MessageHandler struct {
	service *services.MessageService
}

// NewMessageHandler constructs a message handler.
func NewMessageHandler(db *gorm.DB, holder *catalog.Holder, resolver *templates.Resolver, hub *events.Hub, set *backends.Set, cfg services.MessageServiceConfig) (*MessageHandler, error) {
	service, err := services.NewMessageService(db, holder, resolver, hub, set, cfg)
	if err != nil {
		return nil, err
	}
	return &MessageHandler{service: service}, nil
}

func recipientID(c *gin.Context) (string, bool) {
	id := c.GetString(middleware.CtxRecipientIDKey)
	if id == "" {
		response.Error(c, errors.ErrUnauthorized)
		return "", false
	}
	return id, true
}

// List returns the visible messages for the current recipient.
func (h *MessageHandler) List(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	limit := parseIntQuery(c, "limit", 25)
	offset := parseIntQuery(c, "offset", 0)

	items, total, err := h.service.List(c.Request.Context(), services.ListMessagesInput{
		RecipientID: id,
		Limit:       limit,
		Offset:      offset,
		UnreadOnly:  parseBoolQuery(c, "unread_only"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, items, &response.Meta{
		PerPage: limit,
		Total:   int(total),
	})
}

// Get returns a single message.
func (h *MessageHandler) Get(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	msg, err := h.service.Get(c.Request.Context(), id, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, msg)
}

// FullBody renders the long-form body for a message.
func (h *MessageHandler) FullBody(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	body, err := h.service.RenderFullBody(c.Request.Context(), id, strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"body": body})
}

// MarkRead toggles a message to read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	h.updateReadState(c, true)
}

// MarkUnread toggles a message to unread.
func (h *MessageHandler) MarkUnread(c *gin.Context) {
	h.updateReadState(c, false)
}

func (h *MessageHandler) updateReadState(c *gin.Context, read bool) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	messageID := strings.TrimSpace(c.Param("id"))
	var msg *models.Message
	var err error
	if read {
		msg, err = h.service.MarkRead(c.Request.Context(), id, messageID)
	} else {
		msg, err = h.service.MarkUnread(c.Request.Context(), id, messageID)
	}

	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, msg)
}

// MarkAllRead marks every visible message read.
func (h *MessageHandler) MarkAllRead(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	if err := h.service.MarkAllRead(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// Delete soft-deletes a message.
func (h *MessageHandler) Delete(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), id, strings.TrimSpace(c.Param("id"))); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// UnreadCount returns the recipient's unread total.
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	count, err := h.service.UnreadCount(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"unread_count": count})
}

// Exists partitions caller-supplied external ids into known and unknown.
func (h *MessageHandler) Exists(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	var payload struct {
		MessageIDs []string `json:"message_ids" validate:"required,min=1"`
	}
	if !bindAndValidate(c, &payload) {
		return
	}

	existing, missing, err := h.service.Exists(c.Request.Context(), id, payload.MessageIDs)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"existing": existing,
		"missing":  missing,
	})
}

// Create enqueues a message for the current recipient. Intended for the
// embedding application's internal callers.
func (h *MessageHandler) Create(c *gin.Context) {
	var payload struct {
		RecipientID string         `json:"recipient_id" validate:"required"`
		Key         string         `json:"key" validate:"required"`
		MessageID   *string        `json:"message_id"`
		Data        map[string]any `json:"data"`
		DataEmail   map[string]any `json:"data_email"`
		SendAt      *time.Time     `json:"send_at"`
		Forced      bool           `json:"forced"`
	}
	if !bindAndValidate(c, &payload) {
		return
	}

	input := services.CreateMessageInput{
		RecipientID: payload.RecipientID,
		Key:         payload.Key,
		MessageID:   payload.MessageID,
		Data:        payload.Data,
		DataEmail:   payload.DataEmail,
		Forced:      payload.Forced,
	}
	if payload.SendAt != nil {
		input.SendAt = *payload.SendAt
	}

	msg, err := h.service.Create(c.Request.Context(), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	if msg == nil {
		// Rejected but running in fail-silently mode.
		response.Success(c, http.StatusAccepted, gin.H{"created": false})
		return
	}

	response.Success(c, http.StatusCreated, msg)
}
