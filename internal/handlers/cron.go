package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/inboxd/internal/app/processor"
	"github.com/charlesng35/inboxd/pkg/errors"
	"github.com/charlesng35/inboxd/pkg/response"
)

// CronHandler lets external schedulers trigger the background stages over
// HTTP instead of relying on the embedded cron runner.
type CronHandler struct {
	processor *processor.Processor
}

// NewCronHandler constructs a cron handler.
func NewCronHandler(p *processor.Processor) *CronHandler {
	return &CronHandler{processor: p}
}

// ProcessMessages fans pending messages out into delivery records.
func (h *CronHandler) ProcessMessages(c *gin.Context) {
	h.run(c, h.processor.ProcessMessages)
}

// ProcessDeliveries dispatches pending delivery records to their backends.
func (h *CronHandler) ProcessDeliveries(c *gin.Context) {
	h.run(c, h.processor.ProcessDeliveries)
}

// Maintain applies the retention policy across all recipients.
func (h *CronHandler) Maintain(c *gin.Context) {
	h.run(c, h.processor.Maintain)
}

func (h *CronHandler) run(c *gin.Context, fn func(context.Context) (int, error)) {
	if h.processor == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	processed, err := fn(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"processed": processed})
}
