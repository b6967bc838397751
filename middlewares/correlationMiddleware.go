package middlewares

import (
	"bitbucket.org/mmdatafocus/newsletter_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationMiddleware tags each request with a correlation id, minting
// one when the caller did not supply X-Correlation-Id.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.Request.Header.Get("X-Correlation-Id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Writer.Header().Set("X-Correlation-Id", cid)
		c.Next()
	}
}
