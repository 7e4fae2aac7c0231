package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/service"
)

// HealthHandler serves the health endpoint.
type HealthHandler struct {
	healthService *service.HealthService
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(healthService *service.HealthService) *HealthHandler {
	return &HealthHandler{healthService: healthService}
}

// Check handles GET /health
func (h *HealthHandler) Check(c *gin.Context) {
	report := h.healthService.Check(c.Request.Context())
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(c, code, report)
}
