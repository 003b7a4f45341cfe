package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/turtacn/atlas/pkg/logger"
)

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	healthy := PingFunc(func(context.Context) error { return nil })
	broken := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	ready := NewHealthHandler(map[string]Pinger{"redis": healthy}, logger.NewNoopLogger())
	notReady := NewHealthHandler(map[string]Pinger{"redis": healthy, "database": broken}, logger.NewNoopLogger())

	r := gin.New()
	r.GET("/health", notReady.HealthCheck)
	r.GET("/ready", ready.ReadinessCheck)
	r.GET("/not-ready", notReady.ReadinessCheck)

	w, _ := do(r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body := do(r, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["data"].(map[string]interface{})["redis"])

	w, body = do(r, http.MethodGet, "/not-ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "010001", body["code"])
	assert.Equal(t, "error: connection refused", body["data"].(map[string]interface{})["database"])
}
