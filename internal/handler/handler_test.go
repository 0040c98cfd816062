package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-control/internal/admission"
	"github.com/aman-churiwal/admission-control/internal/analytics"
	"github.com/aman-churiwal/admission-control/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-control/internal/healthcheck"
	"github.com/aman-churiwal/admission-control/internal/middleware"
	"github.com/aman-churiwal/admission-control/internal/policy"
	"github.com/aman-churiwal/admission-control/internal/ratelimit"
	"github.com/aman-churiwal/admission-control/internal/service"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	router   *gin.Engine
	engine   *admission.Engine
	recorder *analytics.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg, err := policy.NewRegistry(
		[]policy.Tier{
			{Name: "free", Limits: policy.Limits{WindowMs: 60_000, MaxRequests: 3}},
			{Name: "premium", Limits: policy.Limits{WindowMs: 60_000, MaxRequests: 100}},
		},
		"free",
		nil,
	)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	recorder := analytics.NewRecorder(100)
	engine := admission.NewEngine(reg, nil, ratelimit.NewMemoryStore(),
		admission.WithObserver(recorder),
		admission.WithLogger(quietLogger()),
	)

	admin := NewAdminHandler(service.NewAdminService(engine, nil, quietLogger()))
	stats := NewAnalyticsHandler(service.NewAnalyticsService(recorder, nil))

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("user_id", "root")
		c.Next()
	})
	router.GET("/admin/tiers", admin.ListTiers)
	router.GET("/admin/overrides", admin.ListOverrides)
	router.PUT("/admin/overrides/:subject", admin.SetOverride)
	router.DELETE("/admin/overrides/:subject", admin.RemoveOverride)
	router.GET("/admin/endpoints", admin.ListEndpointPolicies)
	router.PUT("/admin/endpoints/:endpoint", admin.UpsertEndpointPolicy)
	router.DELETE("/admin/endpoints/:endpoint", admin.RemoveEndpointPolicy)
	router.GET("/admin/counters/:policy/:subject", admin.CounterStatus)
	router.DELETE("/admin/counters/:policy/:subject", admin.ResetCounter)
	router.GET("/admin/explain", admin.Explain)
	router.GET("/admin/analytics", stats.GetStatistics)
	router.DELETE("/admin/analytics", stats.Purge)
	router.GET("/admin/analytics/blocked", stats.GetRecentBlocked)
	router.GET("/admin/analytics/offenders", stats.GetOffenders)
	router.GET("/admin/analytics/archive", stats.GetArchiveSummary)

	return &fixture{router: router, engine: engine, recorder: recorder}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestAdminHandler_Overrides(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/admin/overrides/u1", `{"tier":"premium","custom_limits":{"max_requests":7},"ttl_seconds":600}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT override = %d %s", w.Code, w.Body.String())
	}
	var created policy.SubjectOverride
	decode(t, w, &created)
	if created.Tier != "premium" || created.CreatedBy != "root" || created.ExpiresAt == nil {
		t.Fatalf("override = %+v", created)
	}

	d := f.engine.Check(context.Background(), admission.Request{SubjectKey: "user:u1", Identity: &admission.Identity{UserID: "u1"}})
	if d.Limit != 7 {
		t.Fatalf("decision limit = %d, want 7", d.Limit)
	}

	w = f.do(t, http.MethodGet, "/admin/overrides", "")
	var list struct {
		Count int `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 1 {
		t.Fatalf("override count = %d, want 1", list.Count)
	}

	if w = f.do(t, http.MethodDelete, "/admin/overrides/u1", ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE override = %d", w.Code)
	}
	if w = f.do(t, http.MethodDelete, "/admin/overrides/u1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("second DELETE override = %d, want 404", w.Code)
	}
}

func TestAdminHandler_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"malformed json", http.MethodPut, "/admin/overrides/u1", `{"tier":`},
		{"unknown tier", http.MethodPut, "/admin/overrides/u1", `{"tier":"gold"}`},
		{"zero capacity", http.MethodPut, "/admin/overrides/u1", `{"tier":"free","custom_limits":{"max_requests":0}}`},
		{"negative window", http.MethodPut, "/admin/overrides/u1", `{"tier":"free","custom_limits":{"window_ms":-5}}`},
		{"endpoint without window", http.MethodPut, "/admin/endpoints/auth", `{"max_requests":5}`},
		{"endpoint without capacity", http.MethodPut, "/admin/endpoints/auth", `{"window_ms":1000}`},
		{"explain without subject", http.MethodGet, "/admin/explain", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.target, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d %s, want 400", w.Code, w.Body.String())
			}
		})
	}

	if n := len(f.engine.Overrides().ListActive(time.Now())); n != 0 {
		t.Fatalf("%d overrides stored after rejected requests", n)
	}
}

func TestAdminHandler_EndpointsAndExplain(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/admin/endpoints/auth", `{"window_ms":60000,"max_requests":2,"block_duration_ms":300000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT endpoint = %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/admin/explain?subject=ip:1.2.3.4&endpoint=auth", "")
	var eff admission.EffectivePolicy
	decode(t, w, &eff)
	if eff.Source != admission.SourceEndpoint || eff.Name != "endpoint:auth" || eff.Limits.MaxRequests != 2 {
		t.Fatalf("explain = %+v", eff)
	}

	w = f.do(t, http.MethodGet, "/admin/explain?user_id=9&tier=premium", "")
	decode(t, w, &eff)
	if eff.Source != admission.SourceTier || eff.Tier != "premium" {
		t.Fatalf("explain = %+v", eff)
	}

	if w = f.do(t, http.MethodDelete, "/admin/endpoints/auth", ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE endpoint = %d", w.Code)
	}
	if w = f.do(t, http.MethodDelete, "/admin/endpoints/auth", ""); w.Code != http.StatusNotFound {
		t.Fatalf("second DELETE endpoint = %d, want 404", w.Code)
	}
}

func TestAdminHandler_Counters(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodGet, "/admin/counters/free/ip:5.5.5.5", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status before traffic = %d, want 404", w.Code)
	}

	f.engine.Check(context.Background(), admission.Request{SubjectKey: "ip:5.5.5.5"})

	w := f.do(t, http.MethodGet, "/admin/counters/free/ip:5.5.5.5", "")
	var st admission.Status
	decode(t, w, &st)
	if w.Code != http.StatusOK || st.Remaining != 2 {
		t.Fatalf("status = %d %+v", w.Code, st)
	}

	if w = f.do(t, http.MethodDelete, "/admin/counters/free/ip:5.5.5.5", ""); w.Code != http.StatusNoContent {
		t.Fatalf("reset = %d", w.Code)
	}
	if w = f.do(t, http.MethodGet, "/admin/counters/free/ip:5.5.5.5", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status after reset = %d, want 404", w.Code)
	}
}

func TestAnalyticsHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.engine.Check(ctx, admission.Request{SubjectKey: "ip:9.9.9.9", IP: "9.9.9.9", Endpoint: "search"})
	}

	w := f.do(t, http.MethodGet, "/admin/analytics", "")
	var stats analytics.Statistics
	decode(t, w, &stats)
	if stats.TotalRequests != 5 || stats.BlockedRequests != 2 {
		t.Fatalf("statistics = %+v", stats)
	}

	w = f.do(t, http.MethodGet, "/admin/analytics/blocked?limit=1", "")
	var blocked struct {
		Count int `json:"count"`
	}
	decode(t, w, &blocked)
	if blocked.Count != 1 {
		t.Fatalf("blocked count = %d, want 1", blocked.Count)
	}

	w = f.do(t, http.MethodGet, "/admin/analytics/offenders", "")
	var offenders struct {
		Offenders []analytics.OriginViolations `json:"offenders"`
	}
	decode(t, w, &offenders)
	if len(offenders.Offenders) != 1 || offenders.Offenders[0].IP != "9.9.9.9" || offenders.Offenders[0].Count != 2 {
		t.Fatalf("offenders = %+v", offenders)
	}

	if w = f.do(t, http.MethodGet, "/admin/analytics?from=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad range = %d, want 400", w.Code)
	}
	if w = f.do(t, http.MethodGet, "/admin/analytics/archive", ""); w.Code != http.StatusNotFound {
		t.Fatalf("archive without store = %d, want 404", w.Code)
	}
	if w = f.do(t, http.MethodDelete, "/admin/analytics", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("purge without before = %d, want 400", w.Code)
	}

	future := time.Now().Add(time.Hour).Unix()
	w = f.do(t, http.MethodDelete, "/admin/analytics?before="+strconv.FormatInt(future, 10), "")
	var purged struct {
		Purged int `json:"purged"`
	}
	decode(t, w, &purged)
	if purged.Purged != 5 || f.recorder.Len() != 0 {
		t.Fatalf("purged = %d, remaining = %d", purged.Purged, f.recorder.Len())
	}
}

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		query   string
		wantErr bool
	}{
		{"", false},
		{"from=2026-01-01T00:00:00Z&to=2026-01-02T00:00:00Z", false},
		{"from=1700000000&to=1700003600", false},
		{"from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", true},
		{"from=not-a-time", true},
	}

	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)

		_, _, err := parseTimeRange(c)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimeRange(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
		}
	}
}

func TestSystemHandler(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 1, OpenTimeout: time.Hour})
	_ = breaker.Call(func() error { return errors.New("redis down") }, nil)

	health := healthcheck.NewChecker(&healthcheck.Config{
		Probes:      map[string]healthcheck.Probe{"redis": func(context.Context) error { return errors.New("down") }},
		MaxFailures: 1,
		Logger:      quietLogger(),
	})
	health.CheckNow()

	h := NewSystemHandler(breaker, health)
	router := gin.New()
	router.GET("/health", h.Health)
	router.GET("/admin/system/circuit-breaker", h.CircuitBreakerStatus)
	router.POST("/admin/system/circuit-breaker/reset", h.ResetCircuitBreaker)

	get := func(method, target string) map[string]interface{} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, target, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s %s = %d", method, target, w.Code)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		return body
	}

	if body := get(http.MethodGet, "/health"); body["status"] != "degraded" {
		t.Fatalf("health = %v", body)
	}
	if body := get(http.MethodGet, "/admin/system/circuit-breaker"); body["state"] != "open" {
		t.Fatalf("breaker = %v", body)
	}
	if body := get(http.MethodPost, "/admin/system/circuit-breaker/reset"); body["state"] != "closed" {
		t.Fatalf("reset = %v", body)
	}

	disabled := NewSystemHandler(nil, nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	disabled.CircuitBreakerStatus(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("disabled breaker status = %d, want 404", w.Code)
	}
}

func TestCheckHandler(t *testing.T) {
	f := newFixture(t)
	auth := service.NewAuthService("secret", 1)
	check := NewCheckHandler(f.engine, auth, middleware.GateConfig{})
	f.router.POST("/v1/check", check.Check)

	token, err := auth.IssueToken(admission.Identity{UserID: "77", Tier: "premium"})
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	w := f.do(t, http.MethodPost, "/v1/check", `{"token":"Bearer `+token+`","endpoint":"search","ip":"8.8.8.8"}`)
	var d admission.Decision
	decode(t, w, &d)
	if w.Code != http.StatusOK || !d.Allowed || d.Tier != "premium" || d.Limit != 100 {
		t.Fatalf("token check = %d %+v", w.Code, d)
	}
	if w.Header().Get("X-RateLimit-Limit") != "100" {
		t.Fatalf("X-RateLimit-Limit = %q", w.Header().Get("X-RateLimit-Limit"))
	}

	// Anonymous by origin, free tier of 3
	for i := 0; i < 3; i++ {
		f.do(t, http.MethodPost, "/v1/check", `{"ip":"4.4.4.4"}`)
	}
	w = f.do(t, http.MethodPost, "/v1/check", `{"ip":"4.4.4.4"}`)
	decode(t, w, &d)
	if w.Code != http.StatusTooManyRequests || d.Allowed || w.Header().Get("Retry-After") == "" {
		t.Fatalf("exhausted check = %d %+v", w.Code, d)
	}

	// A forged token falls back to the anonymous origin
	w = f.do(t, http.MethodPost, "/v1/check", `{"token":"forged","ip":"4.4.4.4"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("forged token check = %d, want 429", w.Code)
	}

	if w = f.do(t, http.MethodPost, "/v1/check", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty check = %d, want 400", w.Code)
	}
}

func TestCheckHandler_IdentityAndSkipRules(t *testing.T) {
	gate := middleware.GateConfig{
		HealthPaths: []string{"/health"},
		ExemptRoles: []string{"admin"},
	}

	t.Run("auth enabled ignores claimed identity", func(t *testing.T) {
		f := newFixture(t)
		check := NewCheckHandler(f.engine, service.NewAuthService("secret", 1), gate)
		f.router.POST("/v1/check", check.Check)

		w := f.do(t, http.MethodPost, "/v1/check", `{"ip":"6.6.6.6","identity":{"user_id":"9","role":"admin","tier":"premium"}}`)
		var d admission.Decision
		decode(t, w, &d)
		if w.Code != http.StatusOK || d.Skipped || d.Tier != "free" || d.Limit != 3 {
			t.Fatalf("claimed identity check = %d %+v, want free tier by origin", w.Code, d)
		}
	})

	t.Run("auth disabled trusts claimed identity", func(t *testing.T) {
		f := newFixture(t)
		check := NewCheckHandler(f.engine, service.NewAuthService("", 1), gate)
		f.router.POST("/v1/check", check.Check)

		w := f.do(t, http.MethodPost, "/v1/check", `{"identity":{"user_id":"9","tier":"premium"}}`)
		var d admission.Decision
		decode(t, w, &d)
		if w.Code != http.StatusOK || d.Tier != "premium" || d.Limit != 100 {
			t.Fatalf("trusted identity check = %d %+v", w.Code, d)
		}

		w = f.do(t, http.MethodPost, "/v1/check", `{"identity":{"user_id":"1","role":"admin"}}`)
		var exempt admission.Decision
		decode(t, w, &exempt)
		if w.Code != http.StatusOK || !exempt.Skipped {
			t.Fatalf("exempt role check = %d %+v, want skipped", w.Code, exempt)
		}
	})

	t.Run("skip list applies to path", func(t *testing.T) {
		f := newFixture(t)
		check := NewCheckHandler(f.engine, service.NewAuthService("secret", 1), gate)
		f.router.POST("/v1/check", check.Check)

		for i := 0; i < 5; i++ {
			w := f.do(t, http.MethodPost, "/v1/check", `{"ip":"7.7.7.7","path":"/health"}`)
			var d admission.Decision
			decode(t, w, &d)
			if w.Code != http.StatusOK || !d.Skipped {
				t.Fatalf("health check %d = %d %+v, want skipped", i+1, w.Code, d)
			}
			if w.Header().Get("X-RateLimit-Limit") != "" {
				t.Fatalf("skipped decision set rate limit headers")
			}
		}
	})
}
