package handler

import (
	"net/http"
	"strings"

	"github.com/aman-churiwal/admission-control/internal/admission"
	"github.com/aman-churiwal/admission-control/internal/middleware"
	"github.com/aman-churiwal/admission-control/internal/service"
	"github.com/gin-gonic/gin"
)

// Decision request from a collaborator that enforces the verdict itself
type CheckRequest struct {
	SubjectKey string `json:"subject_key"`
	IP         string `json:"ip"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`

	// Original request path. Classifies the endpoint when Endpoint is empty
	// and applies the gate's skip list.
	Path string `json:"path"`

	// Bearer token of the original caller. With auth enabled the identity
	// comes from this token only and Identity is ignored.
	Token    string              `json:"token"`
	Identity *admission.Identity `json:"identity"`
}

type CheckHandler struct {
	checker middleware.Checker
	auth    *service.AuthService
	gate    middleware.GateConfig
}

func NewCheckHandler(checker middleware.Checker, auth *service.AuthService, gate middleware.GateConfig) *CheckHandler {
	return &CheckHandler{
		checker: checker,
		auth:    auth,
		gate:    gate,
	}
}

// Handles POST /v1/check. Answers 200 when allowed and 429 when denied,
// with the same headers the gate sets.
func (h *CheckHandler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	// Without auth the caller is a trusted internal service and its claimed
	// identity stands. Invalid tokens are anonymous, as at the gate.
	identity := req.Identity
	if h.auth.Enabled() {
		identity = nil
		if req.Token != "" {
			if validated, err := h.auth.ValidateToken(strings.TrimPrefix(req.Token, "Bearer ")); err == nil {
				identity = &validated
			}
		}
	}

	endpoint := req.Endpoint
	if endpoint == "" && req.Path != "" {
		if endpoint = h.gate.EndpointFor(req.Path); endpoint == "" {
			endpoint = req.Path
		}
	}

	subject := req.SubjectKey
	if subject == "" {
		switch {
		case identity != nil && identity.UserID != "":
			subject = "user:" + identity.UserID
		case req.IP != "":
			subject = "ip:" + req.IP
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "subject_key, identity.user_id or ip is required"})
			return
		}
	}

	decision := h.checker.Check(c.Request.Context(), admission.Request{
		SubjectKey: subject,
		Identity:   identity,
		Endpoint:   endpoint,
		Skip:       h.gate.Skips(req.Path, identity),
		IP:         req.IP,
		Method:     req.Method,
	})

	if !decision.Skipped {
		middleware.WriteDecisionHeaders(c, decision)
	}

	code := http.StatusOK
	if !decision.Allowed {
		code = http.StatusTooManyRequests
	}
	c.JSON(code, decision)
}
