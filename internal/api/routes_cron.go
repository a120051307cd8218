package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/inboxd/internal/handlers"
)

func registerCronRoutes(internal *gin.RouterGroup, handler *handlers.CronHandler) {
	if internal == nil || handler == nil {
		return
	}

	group := internal.Group("/cron")
	{
		group.POST("/process-messages", handler.ProcessMessages)
		group.POST("/process-deliveries", handler.ProcessDeliveries)
		group.POST("/maintenance", handler.Maintain)
	}
}
