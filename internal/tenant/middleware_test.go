package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/his/his/internal/platform/auth"
)

type middlewareFixture struct {
	e      *echo.Echo
	dialer *fakeDialer
	gate   *Gate
	// lastSession captures the session observed by the handler.
	lastSession *Session
}

func newMiddlewareFixture(t *testing.T, production bool, hospitals ...*Hospital) *middlewareFixture {
	t.Helper()

	f := &middlewareFixture{dialer: &fakeDialer{}}
	registry := NewRegistry(newMemRepo(hospitals...), time.Hour)
	resolver := NewResolver(registry, ResolverConfig{})
	sb := testSwitchboard(f.dialer)
	f.gate = NewGate(newMemModuleRepo(), time.Hour)
	// Every fixture hospital gets the Patient module so tests that are not
	// about the gate can exercise /api/v1/patients.
	for _, h := range hospitals {
		if _, err := f.gate.Enable(context.Background(), h.ID, "Patient", ""); err != nil {
			t.Fatalf("enable Patient for hospital %d: %v", h.ID, err)
		}
	}

	mw := NewMiddleware(resolver, sb, f.gate, auth.IsPublicPath, production)

	f.e = echo.New()
	f.e.Use(mw.Handler())
	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if s, ok := SessionFromContext(ctx); ok {
			f.lastSession = s
		}
		h, ok := CurrentHospital(ctx)
		if !ok {
			return c.JSON(http.StatusOK, map[string]interface{}{"hospital_id": nil})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"hospital_id": h.ID})
	}
	f.e.GET("/api/v1/patients", handler)
	f.e.GET("/api/v1/stock/items", handler)
	f.e.GET("/health", handler)
	return f
}

type requestOpt func(*http.Request)

func withHeader(key, value string) requestOpt {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

func withPrincipal(home int64) requestOpt {
	return func(r *http.Request) {
		claims := &auth.Claims{HospitalID: home}
		ctx := context.WithValue(r.Context(), auth.ClaimsKey, claims)
		*r = *r.WithContext(ctx)
	}
}

func (f *middlewareFixture) do(path, host string, opts ...requestOpt) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Host = host
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestMiddlewareResolvesActiveHospital(t *testing.T) {
	f := newMiddlewareFixture(t, false,
		activeHospital(1, "hopital-a.example.com", "hopital-a"))

	rec := f.do("/api/v1/patients", "hopital-a.example.com")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["hospital_id"] != float64(1) {
		t.Errorf("expected hospital 1, got %v", body["hospital_id"])
	}
}

func TestMiddlewareRejectsSuspendedHospital(t *testing.T) {
	suspended := activeHospital(2, "hopital-b.example.com", "hopital-b")
	suspended.Status = StatusSuspended
	f := newMiddlewareFixture(t, false,
		activeHospital(1, "hopital-a.example.com", "hopital-a"), suspended)

	rec := f.do("/api/v1/patients", "hopital-b.example.com")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeTenantInactive {
		t.Errorf("expected %s, got %s", CodeTenantInactive, code)
	}
}

func TestMiddlewareIDHeaderOutranksHost(t *testing.T) {
	f := newMiddlewareFixture(t, false,
		activeHospital(1, "hopital-a.example.com", "hopital-a"),
		activeHospital(2, "hopital-b.example.com", "hopital-b"))

	rec := f.do("/api/v1/patients", "hopital-b.example.com",
		withHeader(HeaderTenantID, "1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["hospital_id"] != float64(1) {
		t.Errorf("expected hospital 1, got %v", body["hospital_id"])
	}
}

func TestMiddlewarePrincipalMismatch(t *testing.T) {
	f := newMiddlewareFixture(t, false,
		activeHospital(1, "hopital-a.example.com", "hopital-a"),
		activeHospital(2, "hopital-b.example.com", "hopital-b"))

	rec := f.do("/api/v1/patients", "hopital-a.example.com", withPrincipal(2))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeTenantMismatch {
		t.Errorf("expected %s, got %s", CodeTenantMismatch, code)
	}
}

func TestMiddlewareUnknownHost(t *testing.T) {
	f := newMiddlewareFixture(t, false,
		activeHospital(1, "hopital-a.example.com", "hopital-a"))

	rec := f.do("/api/v1/patients", "nowhere.example.com")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeTenantNotFound {
		t.Errorf("expected %s, got %s", CodeTenantNotFound, code)
	}
}

func TestMiddlewareModuleGate(t *testing.T) {
	f := newMiddlewareFixture(t, false,
		activeHospital(3, "hopital-c.example.com", "hopital-c"))

	rec := f.do("/api/v1/stock/items", "hopital-c.example.com")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeModuleNotEnabled {
		t.Errorf("expected %s, got %s", CodeModuleNotEnabled, code)
	}

	if _, err := f.gate.Enable(context.Background(), 3, "Stock", ""); err != nil {
		t.Fatalf("enable: %v", err)
	}
	rec = f.do("/api/v1/stock/items", "hopital-c.example.com")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after enabling, got %d", rec.Code)
	}
}

func TestMiddlewareSkipsPublicPaths(t *testing.T) {
	f := newMiddlewareFixture(t, false)

	rec := f.do("/health", "nowhere.example.com")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected public path to pass with no tenant, got %d", rec.Code)
	}
	if f.dialer.dialCount() != 0 {
		t.Error("public path must not touch any hospital database")
	}
}

func TestMiddlewareResetsSession(t *testing.T) {
	f := newMiddlewareFixture(t, false,
		activeHospital(1, "hopital-a.example.com", "hopital-a"))

	rec := f.do("/api/v1/patients", "hopital-a.example.com")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.lastSession == nil {
		t.Fatal("handler did not observe a session")
	}
	if f.lastSession.IsConnected() {
		t.Error("session must be disconnected once the request completes")
	}
}

func TestMiddlewareConnectionFailure(t *testing.T) {
	f := newMiddlewareFixture(t, false,
		activeHospital(1, "hopital-a.example.com", "hopital-a"))
	f.dialer.fail = true

	rec := f.do("/api/v1/patients", "hopital-a.example.com")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != CodeTenantConnection {
		t.Errorf("expected %s, got %s", CodeTenantConnection, code)
	}
}

func TestMiddlewareProductionHidesDetail(t *testing.T) {
	f := newMiddlewareFixture(t, true,
		activeHospital(1, "hopital-a.example.com", "hopital-a"))
	f.dialer.fail = true

	rec := f.do("/api/v1/patients", "hopital-a.example.com")
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if _, ok := body["detail"]; ok {
		t.Error("production error body must not carry diagnostic detail")
	}
}

func TestMiddlewareNonProductionIncludesDetail(t *testing.T) {
	f := newMiddlewareFixture(t, false,
		activeHospital(1, "hopital-a.example.com", "hopital-a"))

	rec := f.do("/api/v1/patients", "nowhere.example.com")
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if _, ok := body["detail"]; !ok {
		t.Error("expected diagnostic detail outside production")
	}
}
