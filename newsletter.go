package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/models"
	"bitbucket.org/mmdatafocus/newsletter_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// newIdempotencyToken mints the per-submission token embedded in the form.
// A browser retry re-posts the same token; only reloading the form page
// produces a new one.
func newIdempotencyToken() string {
	return uuid.NewString()
}

const (
	flashCookieName       = "_flash"
	publishedFlashMessage = "The newsletter issue has been published!"
)

// requireUsername returns the authenticated identity or redirects to the
// login surface. No side effects happen for unauthenticated requests.
func requireUsername(c *gin.Context) (string, bool) {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || username == "" {
		c.Redirect(http.StatusSeeOther, "/login")
		c.Abort()
		return "", false
	}
	return username, true
}

// flashCookie renders a one-shot message cookie. The raw Set-Cookie string
// is also stored in the idempotency ledger so replays carry it verbatim.
func flashCookie(message string) *http.Cookie {
	return &http.Cookie{
		Name:     flashCookieName,
		Value:    url.QueryEscape(message),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
	}
}

func readFlash(c *gin.Context) string {
	raw, err := c.Cookie(flashCookieName)
	if err != nil || raw == "" {
		return ""
	}
	// clear it: flash messages display once
	http.SetCookie(c.Writer, &http.Cookie{Name: flashCookieName, Value: "", Path: "/", MaxAge: -1})
	msg, err := url.QueryUnescape(raw)
	if err != nil {
		return ""
	}
	return msg
}

// writeSavedResponse writes a ledger response verbatim: status, headers and
// body exactly as the first processing of the token produced them.
func writeSavedResponse(c *gin.Context, resp *models.SavedResponse) {
	for name, values := range resp.Headers {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Data(resp.StatusCode, resp.Headers.Get("Content-Type"), resp.Body)
}

// publishSuccessResponse is the canonical response for a completed publish:
// a redirect back to the form with the success flash set.
func publishSuccessResponse() *models.SavedResponse {
	headers := http.Header{}
	headers.Set("Location", "/admin/newsletters")
	headers.Add("Set-Cookie", flashCookie(publishedFlashMessage).String())
	return &models.SavedResponse{
		StatusCode: http.StatusSeeOther,
		Headers:    headers,
	}
}

func getPublishNewsletterFormHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireUsername(c); !ok {
			return
		}

		var flashHTML string
		if msg := readFlash(c); msg != "" {
			flashHTML = fmt.Sprintf("<p><i>%s</i></p>\n", msg)
		}
		page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8">
	<title>Publish Newsletter Issue</title>
</head>
<body>
%s<form action="/admin/newsletters" method="post">
	<label>Title:<br>
		<input type="text" placeholder="Enter the issue title" name="title">
	</label>
	<br>
	<label>Plain text content:<br>
		<textarea placeholder="Enter the content in plain text" rows="20" cols="50" name="text_content"></textarea>
	</label>
	<br>
	<label>HTML content:<br>
		<textarea placeholder="Enter the content in HTML format" rows="20" cols="50" name="html_content"></textarea>
	</label>
	<br>
	<input hidden type="text" name="idempotency_token" value="%s">
	<button type="submit">Publish</button>
</form>
<p><a href="/admin/newsletters">&lt;- Back</a></p>
</body>
</html>`, flashHTML, newIdempotencyToken())
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
	}
}

type publishNewsletterForm struct {
	Title            string `form:"title" json:"title"`
	TextContent      string `form:"text_content" json:"text_content"`
	HtmlContent      string `form:"html_content" json:"html_content"`
	IdempotencyToken string `form:"idempotency_token" json:"idempotency_token" binding:"required"`
}

func postPublishNewsletterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, ok := requireUsername(c)
		if !ok {
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "publish_newsletter")
		defer span.End()

		var form publishNewsletterForm
		if err := c.ShouldBind(&form); err != nil {
			c.String(http.StatusBadRequest, "idempotency_token is required")
			return
		}

		input := models.NewNewsletterIssue{
			Title:       form.Title,
			TextContent: form.TextContent,
			HtmlContent: form.HtmlContent,
		}
		resp, _, err := models.PublishNewsletterIssue(ctx, username, form.IdempotencyToken, &input, publishSuccessResponse())
		if err != nil {
			if errors.Is(err, models.ErrInvalidIssueContent) {
				c.String(http.StatusBadRequest, err.Error())
				return
			}
			config.LogError(config.GetLogger(), "newsletter.go", "postPublishNewsletterHandler", "PublishNewsletterIssue", username, err)
			c.String(http.StatusInternalServerError, "failed to publish the newsletter issue, please retry")
			return
		}
		writeSavedResponse(c, resp)
	}
}

type deliveryReplayRequest struct {
	DeadLetterId int `json:"dead_letter_id"`
}

// deliveryReplayHandler puts a dead-lettered delivery back on the queue.
func deliveryReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, ok := utils.GetUsernameFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": utils.ErrorUnauthorized.Error()})
			return
		}
		if _, err := models.GetUser(c.Request.Context(), username); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": utils.ErrorUnauthorized.Error()})
			return
		}

		var req deliveryReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.DeadLetterId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dead_letter_id is required"})
			return
		}

		entry, err := models.ReplayDeadLetter(c.Request.Context(), req.DeadLetterId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pending, err := models.CountPendingDeliveries(c.Request.Context(), entry.NewsletterIssueId)
		if err != nil {
			config.LogError(config.GetLogger(), "newsletter.go", "deliveryReplayHandler", "CountPendingDeliveries", entry.NewsletterIssueId, err)
		}
		c.JSON(http.StatusOK, gin.H{
			"newsletter_issue_id": entry.NewsletterIssueId,
			"subscriber_email":    entry.SubscriberEmail,
			"pending_deliveries":  pending,
		})
	}
}
