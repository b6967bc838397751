package main

import (
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/middlewares"
	"bitbucket.org/mmdatafocus/newsletter_backend/models"
	"bitbucket.org/mmdatafocus/newsletter_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func sessionTTL() time.Duration {
	return time.Duration(config.IntFromEnv("TOKEN_HOUR_LIFESPAN", 24)) * time.Hour
}

func getLoginFormHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var flashHTML string
		if msg := readFlash(c); msg != "" {
			flashHTML = fmt.Sprintf("<p><i>%s</i></p>\n", msg)
		}
		page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8">
	<title>Login</title>
</head>
<body>
%s<form action="/login" method="post">
	<label>Username
		<input type="text" placeholder="Enter Username" name="username">
	</label>
	<label>Password
		<input type="password" placeholder="Enter Password" name="password">
	</label>
	<button type="submit">Login</button>
</form>
</body>
</html>`, flashHTML)
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
	}
}

type loginForm struct {
	Username string `form:"username" json:"username" binding:"required"`
	Password string `form:"password" json:"password" binding:"required"`
}

func postLoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var form loginForm
		if err := c.ShouldBind(&form); err != nil {
			http.SetCookie(c.Writer, flashCookie("Authentication failed"))
			c.Redirect(http.StatusSeeOther, "/login")
			return
		}

		user, err := models.Authenticate(c.Request.Context(), form.Username, form.Password)
		if err != nil {
			http.SetCookie(c.Writer, flashCookie("Authentication failed"))
			c.Redirect(http.StatusSeeOther, "/login")
			return
		}

		token := uuid.NewString()
		if err := config.SetRedisValue("Token:"+token, user.Username, sessionTTL()); err != nil {
			config.LogError(config.GetLogger(), "auth.go", "postLoginHandler", "SetRedisValue", user.Username, err)
			c.String(http.StatusInternalServerError, "failed to create session, please retry")
			return
		}

		http.SetCookie(c.Writer, &http.Cookie{
			Name:     middlewares.SessionCookieName,
			Value:    token,
			Path:     "/",
			MaxAge:   int(sessionTTL().Seconds()),
			HttpOnly: true,
		})
		c.Redirect(http.StatusSeeOther, "/admin/newsletters")
	}
}

func postLogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUsername(c); !ok {
			return
		}

		if token, ok := utils.GetTokenFromContext(c.Request.Context()); ok && token != "" {
			if err := config.RemoveRedisKey("Token:" + token); err != nil {
				config.LogError(config.GetLogger(), "auth.go", "postLogoutHandler", "RemoveRedisKey", nil, err)
			}
		}
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     middlewares.SessionCookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
		http.SetCookie(c.Writer, flashCookie("You have successfully logged out."))
		c.Redirect(http.StatusSeeOther, "/login")
	}
}
