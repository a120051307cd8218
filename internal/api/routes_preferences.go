package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/inboxd/internal/handlers"
)

func registerPreferenceRoutes(api *gin.RouterGroup, handler *handlers.PreferenceHandler) {
	group := api.Group("/preferences")
	{
		group.GET("", handler.Get)
		group.PUT("", handler.Update)
		group.PATCH("/:group", handler.Patch)
	}
}
