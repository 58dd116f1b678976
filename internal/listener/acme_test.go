package listener

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func writeChallengeFile(t *testing.T, webroot, token, body string) {
	t.Helper()
	dir := filepath.Join(webroot, ".well-known", "acme-challenge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir webroot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, token), []byte(body), 0o644); err != nil {
		t.Fatalf("write challenge: %v", err)
	}
}

func TestACMEChallengeServed(t *testing.T) {
	webroot := t.TempDir()
	body := "token123.account-thumbprint"
	writeChallengeFile(t, webroot, "token123", body)

	handler := newSecondaryHandler(webroot, 443)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/token123", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got, _ := io.ReadAll(rec.Body)
	if string(got) != body {
		t.Fatalf("body mismatch: %q", got)
	}
	if cl := rec.Header().Get("Content-Length"); cl != strconv.Itoa(len(body)) {
		t.Fatalf("wrong content-length: %q", cl)
	}
}

func TestACMEChallengeMissingToken(t *testing.T) {
	handler := newSecondaryHandler(t.TempDir(), 443)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "Not Found" {
		t.Fatalf("expected plain Not Found body, got %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text/plain, got %q", ct)
	}
}

func TestACMEChallengeTraversalStaysInWebroot(t *testing.T) {
	webroot := t.TempDir()
	outside := filepath.Join(filepath.Dir(webroot), "secret")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	handler := newSecondaryHandler(webroot, 443)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.URL.Path = "/.well-known/acme-challenge/../../../secret"
	handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatal("traversal request must not serve files outside the webroot")
	}
}

func TestRedirectOmitsDefaultPort(t *testing.T) {
	handler := newSecondaryHandler("", 443)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/anything?x=1", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/anything?x=1" {
		t.Fatalf("unexpected location: %q", loc)
	}
}

func TestRedirectKeepsNonDefaultPort(t *testing.T) {
	handler := newSecondaryHandler("", 8443)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com:8081/login", nil)
	handler.ServeHTTP(rec, req)

	if loc := rec.Header().Get("Location"); loc != "https://example.com:8443/login" {
		t.Fatalf("unexpected location: %q", loc)
	}
}

func TestRedirectWhenNoWebroot(t *testing.T) {
	// Without a webroot even challenge paths redirect.
	handler := newSecondaryHandler("", 443)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/.well-known/acme-challenge/token", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
}
