package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/newsletter_backend/config"
	"bitbucket.org/mmdatafocus/newsletter_backend/middlewares"
	"bitbucket.org/mmdatafocus/newsletter_backend/models"
	"bitbucket.org/mmdatafocus/newsletter_backend/utils"
	"bitbucket.org/mmdatafocus/newsletter_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("newsletter-backend")

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(customErrorLogger(config.GetLogger()))
	r.Use(middlewares.CorrelationMiddleware())

	// Gate app endpoints on dependency readiness; the health probe always
	// answers so managed runtimes consider the revision alive during the
	// connect-with-retry window.
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/health_check" {
			c.Status(http.StatusOK)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/health_check", func(c *gin.Context) { c.Status(http.StatusOK) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.SessionMiddleware())

	r.POST("/subscriptions", postSubscriptionsHandler())
	r.GET("/subscriptions/confirm", confirmSubscriptionHandler())

	r.GET("/login", getLoginFormHandler())
	r.POST("/login", postLoginHandler())

	r.GET("/admin/newsletters", getPublishNewsletterFormHandler())
	r.POST("/admin/newsletters", postPublishNewsletterHandler())
	r.POST("/admin/logout", postLogoutHandler())
	r.POST("/admin/deliveries/replay", deliveryReplayHandler())

	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start listening immediately (startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the delivery worker fleet. Each dispatcher is an independent
	// claimant; DELIVERY_WORKERS scales within this process, more replicas
	// scale across processes.
	dispatcherCtx, cancelDispatchers := context.WithCancel(context.Background())
	defer cancelDispatchers()
	workers := config.IntFromEnv("DELIVERY_WORKERS", 1)
	for i := 0; i < workers; i++ {
		go workflow.NewDeliveryDispatcher(db, logger).Run(dispatcherCtx)
	}

	logger.WithFields(logrus.Fields{
		"port":    port,
		"workers": workers,
	}).Info("newsletter backend started")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop workers first so they don't claim new entries while draining.
	cancelDispatchers()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that accumulated gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			fields := logrus.Fields{}
			if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
				fields["correlation_id"] = cid
			}
			logger.WithFields(fields).Error(c.Errors.String())
		}
	}
}
