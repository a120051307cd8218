package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/events"
	"github.com/charlesng35/inboxd/internal/models"
	"github.com/charlesng35/inboxd/internal/services"
	"github.com/charlesng35/inboxd/pkg/response"
)

// PreferenceHandler exposes HTTP endpoints for notification preferences.
type PreferenceHandler struct {
	service *services.PreferenceService
}

// NewPreferenceHandler constructs a preference handler.
func NewPreferenceHandler(db *gorm.DB, holder *catalog.Holder, hub *events.Hub) (*PreferenceHandler, error) {
	service, err := services.NewPreferenceService(db, holder, hub)
	if err != nil {
		return nil, err
	}
	return &PreferenceHandler{service: service}, nil
}

// Get returns the presented preference document for the current recipient.
func (h *PreferenceHandler) Get(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	groups, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"groups": groups})
}

// Update replaces the recipient's preference document with the merged result
// of the submitted one.
func (h *PreferenceHandler) Update(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	var payload struct {
		Groups models.GroupPreferences `json:"groups" validate:"required"`
	}
	if !bindAndValidate(c, &payload) {
		return
	}

	groups, err := h.service.Update(c.Request.Context(), id, payload.Groups)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"groups": groups})
}

// Patch updates the channel selections for a single group.
func (h *PreferenceHandler) Patch(c *gin.Context) {
	id, ok := recipientID(c)
	if !ok {
		return
	}

	var payload models.ChannelValues
	if !bindAndValidate(c, &payload) {
		return
	}

	groupID := strings.TrimSpace(c.Param("group"))
	groups, err := h.service.Patch(c.Request.Context(), id, groupID, payload)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"groups": groups})
}
