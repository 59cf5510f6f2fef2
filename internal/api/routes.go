package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter creates a simple token-bucket rate limiting middleware.
func RateLimiter(rps float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// CORS permits cross-origin requests from any browser front-end, per
// SPEC_FULL.md's "CORS permissive" external-interfaces note.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger logs method, path, status, and duration for every request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		log.Printf("%s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), duration)
	}
}

// SetupRoutes registers every route named in SPEC_FULL.md's external
// interfaces section.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	r.Use(RequestLogger())
	r.Use(CORS())

	r.GET("/health", h.HealthCheck)

	apiLimiter := RateLimiter(30, 60)
	group := r.Group("/")
	group.Use(apiLimiter)
	{
		group.GET("/accounts", h.ListAccounts)
		group.POST("/accounts", h.CreateAccount)
		group.POST("/accounts/test", h.TestAccount)
		group.GET("/accounts/:id", h.GetAccount)
		group.PUT("/accounts/:id", h.UpdateAccount)
		group.DELETE("/accounts/:id", h.DeleteAccount)
		group.GET("/accounts/:id/calendars", h.ListAccountCalendars)

		group.GET("/sync-mappings", h.ListSyncMappings)
		group.POST("/sync-mappings", h.CreateSyncMapping)
		group.GET("/sync-mappings/:id", h.GetSyncMapping)
		group.PUT("/sync-mappings/:id", h.UpdateSyncMapping)
		group.DELETE("/sync-mappings/:id", h.DeleteSyncMapping)

		group.GET("/events", h.ListEvents)
		group.POST("/events/scan", h.StartScan)
		group.POST("/events/manual-sync", h.StartManualSync)
		group.POST("/events/sync-all", h.StartSyncAll)
		group.GET("/events/auto-sync", h.GetAutoSync)
		group.POST("/events/auto-sync", h.TriggerAutoSync)
		group.POST("/events/:id/response", h.SetEventResponse)
		group.POST("/events/:id/disable-tracking", h.DisableEventTracking)
		group.POST("/events/:id/resolve-conflict", h.ResolveConflict)

		group.GET("/jobs/:id", h.GetJob)
	}
}
