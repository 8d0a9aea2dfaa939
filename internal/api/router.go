// Package api exposes the read-only monitor endpoints of the multiplexer.
// The POS-facing portals live in other services; this surface only reports
// device and queue state to operators.
package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"tse-signature-mux/config"
	"tse-signature-mux/internal/mw"
	"tse-signature-mux/internal/store"
)

// StatusSource reports the wrapper states of the running processor.
type StatusSource interface {
	Snapshot() []StatusEntry
}

// StatusEntry mirrors the processor's wrapper status for JSON rendering.
type StatusEntry struct {
	Name  string `json:"name"`
	State string `json:"state"`
	TSEID uint64 `json:"tseId"`
}

// NewRouter creates and configures a new Gin router for the monitor API.
// webpushOptions may be nil when alerting is disabled.
func NewRouter(cfg *config.MonitorConfig, s store.Store, src StatusSource, webpushOptions *webpush.Options) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(s, src, webpushOptions)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), 5)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/tses", caching, handler.GetTSEs)
		api.GET("/status", handler.GetStatus)

		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
