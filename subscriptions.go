package main

import (
	"errors"
	"net/http"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/models"
	"github.com/gin-gonic/gin"
)

func postSubscriptionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var form models.NewSubscriber
		if err := c.ShouldBind(&form); err != nil {
			c.String(http.StatusBadRequest, "name and email are required")
			return
		}

		_, err := models.CreateSubscriber(c.Request.Context(), &form)
		if err != nil {
			if errors.Is(err, models.ErrInvalidSubscriberName) || errors.Is(err, models.ErrInvalidSubscriberEmail) {
				c.String(http.StatusBadRequest, err.Error())
				return
			}
			config.LogError(config.GetLogger(), "subscriptions.go", "postSubscriptionsHandler", "CreateSubscriber", form.Email, err)
			c.String(http.StatusInternalServerError, "failed to register subscriber, please retry")
			return
		}
		c.Status(http.StatusOK)
	}
}

func confirmSubscriptionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("subscription_token")
		_, err := models.ConfirmSubscriber(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, models.ErrUnknownConfirmationToken) {
				c.String(http.StatusUnauthorized, "unknown subscription token")
				return
			}
			config.LogError(config.GetLogger(), "subscriptions.go", "confirmSubscriptionHandler", "ConfirmSubscriber", nil, err)
			c.String(http.StatusInternalServerError, "failed to confirm subscription, please retry")
			return
		}
		c.Status(http.StatusOK)
	}
}
