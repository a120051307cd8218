package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/pkg/errors"
	"github.com/charlesng35/inboxd/pkg/response"
)

// EventHandler exposes the WebSocket stream of inbox events.
type EventHandler struct {
	hub *events.Hub
}

// NewEventHandler constructs an event handler.
func NewEventHandler(hub *events.Hub) *EventHandler {
	return &EventHandler{hub: hub}
}

// Stream upgrades the connection to a WebSocket scoped to the current
// recipient. Unread-count and preference-change events are pushed as they
// happen.
func (h *EventHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	id, ok := recipientID(c)
	if !ok {
		return
	}

	h.hub.Serve(id, c.Writer, c.Request)
}
