package tokenissuer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentium/sandboxsup/internal/github"
)

func generateTestPrivateKey(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func newFakeInstallationTokenServer(t *testing.T, expiresIn time.Duration) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":      "installation-token-" + strconv.Itoa(int(n)),
			"expires_at": time.Now().Add(expiresIn).UTC().Format(time.RFC3339),
		})
	}))
	return server, &calls
}

func TestGitHubIssuer_GenerateInstallationToken_CachesAcrossCalls(t *testing.T) {
	pemData := generateTestPrivateKey(t)
	server, calls := newFakeInstallationTokenServer(t, time.Hour)
	defer server.Close()

	issuer := NewWithExchanger(github.NewTokenExchanger(github.WithBaseURL(server.URL)))

	first, err := issuer.GenerateInstallationToken("app-1", pemData, 42)
	if err != nil {
		t.Fatalf("first GenerateInstallationToken() error: %v", err)
	}
	second, err := issuer.GenerateInstallationToken("app-1", pemData, 42)
	if err != nil {
		t.Fatalf("second GenerateInstallationToken() error: %v", err)
	}

	if first != second {
		t.Errorf("expected cached token to be reused: first=%q second=%q", first, second)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("exchange server hit %d times, want 1 (token should be cached)", got)
	}
}

func TestGitHubIssuer_GenerateInstallationToken_RefreshesNearExpiry(t *testing.T) {
	pemData := generateTestPrivateKey(t)
	server, calls := newFakeInstallationTokenServer(t, 1*time.Minute) // within TokenRefreshBuffer
	defer server.Close()

	issuer := NewWithExchanger(github.NewTokenExchanger(github.WithBaseURL(server.URL)))

	first, err := issuer.GenerateInstallationToken("app-1", pemData, 42)
	if err != nil {
		t.Fatalf("first GenerateInstallationToken() error: %v", err)
	}
	second, err := issuer.GenerateInstallationToken("app-1", pemData, 42)
	if err != nil {
		t.Fatalf("second GenerateInstallationToken() error: %v", err)
	}

	if first == second {
		t.Error("expected a fresh token once the cached one is within its refresh buffer")
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("exchange server hit %d times, want 2 (cached token should have been refreshed)", got)
	}
}

func TestGitHubIssuer_GenerateInstallationToken_SeparateInstallationsDontShareCache(t *testing.T) {
	pemData := generateTestPrivateKey(t)
	server, calls := newFakeInstallationTokenServer(t, time.Hour)
	defer server.Close()

	issuer := NewWithExchanger(github.NewTokenExchanger(github.WithBaseURL(server.URL)))

	if _, err := issuer.GenerateInstallationToken("app-1", pemData, 1); err != nil {
		t.Fatalf("installation 1: %v", err)
	}
	if _, err := issuer.GenerateInstallationToken("app-1", pemData, 2); err != nil {
		t.Fatalf("installation 2: %v", err)
	}

	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("exchange server hit %d times, want 2 (distinct installations must not share a cache entry)", got)
	}
}

func TestGitHubIssuer_GenerateInternalToken(t *testing.T) {
	issuer := New()

	unsigned, err := issuer.GenerateInternalToken("")
	if err != nil {
		t.Fatalf("GenerateInternalToken(\"\") error: %v", err)
	}
	if unsigned == "" {
		t.Error("expected a non-empty unsigned token")
	}

	signed, err := issuer.GenerateInternalToken("secret")
	if err != nil {
		t.Fatalf("GenerateInternalToken(\"secret\") error: %v", err)
	}
	if !strings.Contains(signed, ".") {
		t.Errorf("expected a timestamp.signature token, got %q", signed)
	}
}
