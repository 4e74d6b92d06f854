package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"autojudge/internal/common/auth"
	"autojudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func newRouter(authSvc *auth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceContextMiddleware())
	r.GET("/open", func(c *gin.Context) {
		trace, _ := c.Request.Context().Value(contextkey.TraceID).(string)
		c.String(http.StatusOK, trace)
	})
	r.GET("/me", UserAuthMiddleware(authSvc), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r
}

func TestTraceIDIsPropagated(t *testing.T) {
	r := newRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set(traceIDHeader, "trace-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Body.String() != "trace-1" || rec.Header().Get(traceIDHeader) != "trace-1" {
		t.Fatalf("trace id not propagated: body=%q header=%q", rec.Body.String(), rec.Header().Get(traceIDHeader))
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open", nil))
	if rec.Body.String() == "" || rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("missing ids must be generated: body=%q", rec.Body.String())
	}
}

func TestUserAuthMiddleware(t *testing.T) {
	authSvc := auth.NewService(auth.Config{JWTSecret: "jwt-secret"})
	r := newRouter(authSvc)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(traceIDHeader, "trace-2")
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.TraceID != "trace-2" {
		t.Fatalf("error envelope must carry the trace id: %s", rec.Body.String())
	}

	token, err := authSvc.IssueToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "alice" {
		t.Fatalf("expected alice, got %d %q", rec.Code, rec.Body.String())
	}
}
