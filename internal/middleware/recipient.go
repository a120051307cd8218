package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/inboxd/pkg/errors"
	"github.com/charlesng35/inboxd/pkg/response"
)

// CtxRecipientIDKey is the gin context key holding the resolved recipient id.
const CtxRecipientIDKey = "recipient_id"

// RecipientHeader is set by the embedding application or fronting proxy
// after it has authenticated the user.
const RecipientHeader = "X-Recipient-ID"

// RequireRecipient resolves the acting recipient from the trusted identity
// header and rejects requests without one.
func RequireRecipient() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RecipientHeader))
		if id == "" {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}
		c.Set(CtxRecipientIDKey, id)
		c.Next()
	}
}
