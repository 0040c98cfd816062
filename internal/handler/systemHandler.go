package handler

import (
	"net/http"

	"github.com/aman-churiwal/admission-control/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-control/internal/healthcheck"
	"github.com/gin-gonic/gin"
)

// Handles system-related endpoints
type SystemHandler struct {
	breaker *circuitbreaker.Breaker
	health  *healthcheck.Checker
}

// Either argument may be nil
func NewSystemHandler(breaker *circuitbreaker.Breaker, health *healthcheck.Checker) *SystemHandler {
	return &SystemHandler{
		breaker: breaker,
		health:  health,
	}
}

// Handles GET /health. Reports 200 while degraded since decisions fail open.
func (h *SystemHandler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": healthcheck.Healthy.String()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       h.health.OverallHealth().String(),
		"dependencies": h.health.GetAllStatus(),
	})
}

// Returns the status of the counter store circuit breaker
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	if h.breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circuit breaker is disabled"})
		return
	}

	metrics := h.breaker.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"state":             metrics.State.String(),
		"failure_count":     metrics.FailureCount,
		"success_count":     metrics.SuccessCount,
		"rejected_count":    metrics.RejectedCount,
		"last_failure_time": metrics.LastFailureTime,
		"last_state_change": metrics.LastStateChange,
	})
}

// Manually resets the counter store circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	if h.breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Circuit breaker is disabled"})
		return
	}

	h.breaker.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"state":   h.breaker.State().String(),
	})
}
