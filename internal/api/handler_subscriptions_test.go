package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tse-signature-mux/internal/model"
)

func subscriptionRequest(t *testing.T, router *gin.Engine, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/api/subscriptions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestPutSubscription(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestStore(t)
	router := NewRouter(testMonitorConfig(), s, stubStatus{}, nil)

	w := subscriptionRequest(t, router, http.MethodPut,
		`{"endpoint":"https://push.example/one","p256dh":"key1","auth":"auth1"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var subs []model.OperatorSubscription
	require.NoError(t, s.DB().Find(&subs).Error)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/one", subs[0].Endpoint)
	assert.Equal(t, "key1", subs[0].P256DH)

	// Re-subscribing the same endpoint replaces the keys.
	w = subscriptionRequest(t, router, http.MethodPut,
		`{"endpoint":"https://push.example/one","p256dh":"key2","auth":"auth2"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, s.DB().Find(&subs).Error)
	require.Len(t, subs, 1)
	assert.Equal(t, "key2", subs[0].P256DH)
	assert.Equal(t, "auth2", subs[0].Auth)
}

func TestPutSubscription_BadRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestStore(t)
	router := NewRouter(testMonitorConfig(), s, stubStatus{}, nil)

	w := subscriptionRequest(t, router, http.MethodPut, `{"endpoint":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteSubscription(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestStore(t)
	sub := model.OperatorSubscription{Endpoint: "https://push.example/one", P256DH: "k", Auth: "a"}
	require.NoError(t, s.DB().Create(&sub).Error)

	router := NewRouter(testMonitorConfig(), s, stubStatus{}, nil)

	w := subscriptionRequest(t, router, http.MethodDelete,
		`{"endpoint":"https://push.example/one"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	var subs []model.OperatorSubscription
	require.NoError(t, s.DB().Find(&subs).Error)
	assert.Empty(t, subs)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newTestStore(t)

	get := func(router *gin.Engine) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/vapid_public_key", nil)
		router.ServeHTTP(w, req)
		return w
	}

	// Not configured: operators cannot subscribe.
	unconfigured := NewRouter(testMonitorConfig(), s, stubStatus{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(unconfigured).Code)

	configured := NewRouter(testMonitorConfig(), s, stubStatus{}, &webpush.Options{VAPIDPublicKey: "test-public-key"})
	w := get(configured)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"test-public-key"}`, w.Body.String())
}
