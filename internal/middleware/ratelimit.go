package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/aman-churiwal/admission-control/internal/admission"
	"github.com/gin-gonic/gin"
)

// Decides admission for one request. Satisfied by *admission.Engine.
type Checker interface {
	Check(ctx context.Context, req admission.Request) admission.Decision
}

// Exemption lists and endpoint classification for the gate
type GateConfig struct {
	// Exact paths that are never counted
	HealthPaths []string
	// Path prefixes for static assets
	StaticPrefixes []string
	// Paths that must never be starved by lockouts, e.g. login or token refresh
	CriticalPaths []string
	// Roles that bypass per-tier limits entirely
	ExemptRoles []string
	// Path prefix to endpoint policy name. Longest prefix wins.
	EndpointPrefixes map[string]string
}

// Translates admission decisions into headers and 429 rejections
func AdmissionGate(checker Checker, cfg GateConfig, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}

	prefixes := sortedPrefixes(cfg.EndpointPrefixes)

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		identity, _ := IdentityFromContext(c)

		req := admission.Request{
			SubjectKey: subjectKey(c, identity),
			Identity:   identity,
			Endpoint:   classifyEndpoint(c, path, prefixes, cfg.EndpointPrefixes),
			Skip:       cfg.Skips(path, identity),
			IP:         c.ClientIP(),
			Method:     c.Request.Method,
		}

		decision, ok := safeCheck(c.Request.Context(), checker, req, logger, c.GetString("request_id"))
		if !ok || decision.Skipped {
			c.Next()
			return
		}

		WriteDecisionHeaders(c, decision)

		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, DeniedBody(decision))
			return
		}

		c.Next()
	}
}

// Sets the X-RateLimit-* headers, plus Retry-After on denial
func WriteDecisionHeaders(c *gin.Context, d admission.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
	c.Header("X-RateLimit-Tier", d.Tier)
	c.Header("X-RateLimit-Policy", d.Policy)

	if !d.Allowed {
		c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}
}

// 429 response body for a denied decision
func DeniedBody(d admission.Decision) gin.H {
	return gin.H{
		"error":             "Rate limit exceeded",
		"tier":              d.Tier,
		"limit":             d.Limit,
		"remaining":         d.Remaining,
		"reset":             d.ResetTime.Unix(),
		"retryAfterSeconds": d.RetryAfterSeconds,
	}
}

// Runs the check, turning a panic into an allowed request
func safeCheck(ctx context.Context, checker Checker, req admission.Request, logger *slog.Logger, requestID string) (d admission.Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("admission check panicked, allowing request",
				"request_id", requestID,
				"subject", req.SubjectKey,
				"panic", r,
			)
			ok = false
		}
	}()
	return checker.Check(ctx, req), true
}

// Authenticated callers are tracked by user id, everyone else by network origin
func subjectKey(c *gin.Context, identity *admission.Identity) string {
	if identity != nil && identity.UserID != "" {
		return "user:" + identity.UserID
	}
	return "ip:" + c.ClientIP()
}

func classifyEndpoint(c *gin.Context, path string, prefixes []string, names map[string]string) string {
	if name := matchPrefix(path, prefixes, names); name != "" {
		return name
	}
	if route := c.FullPath(); route != "" {
		return route
	}
	return path
}

// Longest first so the most specific prefix matches
func sortedPrefixes(names map[string]string) []string {
	prefixes := make([]string, 0, len(names))
	for p := range names {
		prefixes = append(prefixes, p)
	}
	slices.SortFunc(prefixes, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return prefixes
}

func matchPrefix(path string, prefixes []string, names map[string]string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return names[p]
		}
	}
	return ""
}

// Endpoint policy name for path by longest prefix, or "" when none matches
func (cfg GateConfig) EndpointFor(path string) string {
	return matchPrefix(path, sortedPrefixes(cfg.EndpointPrefixes), cfg.EndpointPrefixes)
}

// Reports whether a request to path bypasses admission: health and critical
// paths, static assets and exempt roles.
func (cfg GateConfig) Skips(path string, identity *admission.Identity) bool {
	if slices.Contains(cfg.HealthPaths, path) || slices.Contains(cfg.CriticalPaths, path) {
		return true
	}
	for _, p := range cfg.StaticPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return identity != nil && identity.Role != "" && slices.Contains(cfg.ExemptRoles, identity.Role)
}

