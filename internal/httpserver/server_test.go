package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/techascendconsulting/stakeholder-voice/internal/config"
)

func TestServer_Healthz(t *testing.T) {
	srv := New(config.Config{})
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSession_MethodNotAllowed(t *testing.T) {
	srv := New(config.Config{})
	r := httptest.NewRequest(http.MethodPut, "/session", nil)
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestSession_BadJSON(t *testing.T) {
	srv := New(config.Config{})
	r := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader("not-json"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSession_InvalidOffer(t *testing.T) {
	srv := New(config.Config{})
	body := `{"offer":{"type":"offer","sdp":""},"setup":{"roster":[{"name":"Aisha Bello"}]}}`
	r := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSession_EmptyRoster(t *testing.T) {
	srv := New(config.Config{})
	body := `{"offer":{"type":"offer","sdp":"v=0"},"setup":{"roster":[]}}`
	r := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSession_Unauthorized(t *testing.T) {
	srv := New(config.Config{AuthPassword: "secret"})
	r := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodPost, "/session?password=wrong", strings.NewReader("{}"))
	r2.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w2, r2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w2.Code)
	}
}

func TestReview_UnknownSessionIs404(t *testing.T) {
	srv := New(config.Config{})
	r := httptest.NewRequest(http.MethodPost, "/session/nope/review", nil)
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	r2 := httptest.NewRequest(http.MethodDelete, "/session/nope", nil)
	w2 := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w2, r2)
	if w2.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w2.Code)
	}
}

func TestAuthOK(t *testing.T) {
	if !authOK(nil, "") {
		t.Fatalf("expected true when no password configured")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !authOK(r, "secret") {
		t.Fatalf("expected true with query password")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !authOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !authOK(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
}

func TestAuthOK_NegativeCases(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	if authOK(r1, "secret") {
		t.Fatalf("expected false with wrong query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Authorization", "Bearer nope")
	if authOK(r2, "secret") {
		t.Fatalf("expected false with wrong bearer token")
	}
}
