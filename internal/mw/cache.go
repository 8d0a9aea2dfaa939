package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

type cachedResponse struct {
	status      int
	contentType string
	body        []byte
}

type bodyRecorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Cache is a middleware for short-lived in-memory caching of GET responses.
// The monitor endpoints are cheap but get polled by dashboards; this keeps
// the DB out of the hot path.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.RequestURI
		if hit, found := store.Get(key); found {
			resp := hit.(cachedResponse)
			c.Data(resp.status, resp.contentType, resp.body)
			c.Abort()
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer, body: bytes.NewBuffer(nil)}
		c.Writer = rec
		c.Next()

		if rec.Status() >= 200 && rec.Status() < 300 {
			store.Set(key, cachedResponse{
				status:      rec.Status(),
				contentType: rec.Header().Get("Content-Type"),
				body:        rec.body.Bytes(),
			}, ttl)
		}
	}
}
