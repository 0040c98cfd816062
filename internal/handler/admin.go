package handler

import (
	"errors"
	"net/http"

	"github.com/aman-churiwal/admission-control/internal/admission"
	"github.com/aman-churiwal/admission-control/internal/service"
	"github.com/gin-gonic/gin"
)

type AdminHandler struct {
	service *service.AdminService
}

func NewAdminHandler(service *service.AdminService) *AdminHandler {
	return &AdminHandler{service: service}
}

// Handles PUT /admin/overrides/:subject
func (h *AdminHandler) SetOverride(c *gin.Context) {
	var req service.OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	override, err := h.service.SetOverride(c.Request.Context(), c.Param("subject"), req, c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, override)
}

// Handles DELETE /admin/overrides/:subject
func (h *AdminHandler) RemoveOverride(c *gin.Context) {
	removed, err := h.service.RemoveOverride(c.Request.Context(), c.Param("subject"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "Override not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// Handles GET /admin/overrides
func (h *AdminHandler) ListOverrides(c *gin.Context) {
	overrides := h.service.ListOverrides()
	c.JSON(http.StatusOK, gin.H{
		"overrides": overrides,
		"count":     len(overrides),
	})
}

// Handles PUT /admin/endpoints/:endpoint
func (h *AdminHandler) UpsertEndpointPolicy(c *gin.Context) {
	var req service.EndpointPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	p, err := h.service.UpsertEndpointPolicy(c.Request.Context(), c.Param("endpoint"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

// Handles DELETE /admin/endpoints/:endpoint
func (h *AdminHandler) RemoveEndpointPolicy(c *gin.Context) {
	removed, err := h.service.RemoveEndpointPolicy(c.Request.Context(), c.Param("endpoint"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "Endpoint policy not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// Handles GET /admin/endpoints
func (h *AdminHandler) ListEndpointPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": h.service.ListEndpointPolicies()})
}

// Handles GET /admin/tiers
func (h *AdminHandler) ListTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": h.service.Tiers()})
}

// Handles GET /admin/counters/:policy/:subject
func (h *AdminHandler) CounterStatus(c *gin.Context) {
	status, found, err := h.service.CounterStatus(c.Request.Context(), c.Param("policy"), c.Param("subject"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No live counter"})
		return
	}

	c.JSON(http.StatusOK, status)
}

// Handles DELETE /admin/counters/:policy/:subject
func (h *AdminHandler) ResetCounter(c *gin.Context) {
	if err := h.service.ResetCounter(c.Request.Context(), c.Param("policy"), c.Param("subject")); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Handles GET /admin/explain?subject=&endpoint=&user_id=&role=&tier=
func (h *AdminHandler) Explain(c *gin.Context) {
	subject := c.Query("subject")
	var identity *admission.Identity
	if userID := c.Query("user_id"); userID != "" || c.Query("tier") != "" {
		identity = &admission.Identity{
			UserID: userID,
			Role:   c.Query("role"),
			Tier:   c.Query("tier"),
		}
		if subject == "" && userID != "" {
			subject = "user:" + userID
		}
	}
	if subject == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject or user_id is required"})
		return
	}

	c.JSON(http.StatusOK, h.service.Explain(identity, subject, c.Query("endpoint")))
}

func respondError(c *gin.Context, err error) {
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    "Validation failed",
			"problems": ve.Problems,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
