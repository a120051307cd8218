package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/inboxd/internal/handlers"
)

func registerEventRoutes(api *gin.RouterGroup, handler *handlers.EventHandler) {
	api.GET("/events", handler.Stream)
}
