package api

import (
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"tse-signature-mux/internal/store"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	status  StatusSource
	webpush *webpush.Options
}

// NewHandler creates a new API handler. webpushOptions may be nil when
// alerting is disabled.
func NewHandler(s store.Store, src StatusSource, webpushOptions *webpush.Options) *Handler {
	return &Handler{store: s, status: src, webpush: webpushOptions}
}

// GetTSEs handles GET /api/tses: all device records with their live pending
// and till counts.
func (h *Handler) GetTSEs(c *gin.Context) {
	overview, err := h.store.ListTSEOverview(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}
	c.JSON(http.StatusOK, overview)
}

// GetStatus handles GET /api/status: the state of every wrapper.
func (h *Handler) GetStatus(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusOK, gin.H{"wrappers": []StatusEntry{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wrappers": h.status.Snapshot()})
}
