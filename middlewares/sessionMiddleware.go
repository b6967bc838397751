package middlewares

import (
	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/utils"
	"github.com/gin-gonic/gin"
)

const SessionCookieName = "session_token"

// SessionMiddleware resolves the session token (cookie, or `token` header
// for API callers) against Redis and attaches the username to the request
// context. It never rejects: handlers that need an identity check the
// context and redirect to /login themselves.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			if cookie, err := c.Cookie(SessionCookieName); err == nil {
				token = cookie
			}
		}
		if token == "" {
			c.Next()
			return
		}

		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.Next()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
