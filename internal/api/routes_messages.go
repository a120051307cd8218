package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/inboxd/internal/handlers"
)

func registerMessageRoutes(api *gin.RouterGroup, handler *handlers.MessageHandler) {
	group := api.Group("/messages")
	{
		group.GET("", handler.List)
		group.GET("/unread-count", handler.UnreadCount)
		group.POST("/read-all", handler.MarkAllRead)
		group.POST("/exists", handler.Exists)

		group.GET("/:id", handler.Get)
		group.GET("/:id/body", handler.FullBody)
		group.POST("/:id/read", handler.MarkRead)
		group.POST("/:id/unread", handler.MarkUnread)
		group.DELETE("/:id", handler.Delete)
	}
}
