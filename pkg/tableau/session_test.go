package tableau

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/config"
)

func testTableauConfig(serverURL string) config.TableauConfig {
	return config.TableauConfig{
		ServerURL:         serverURL,
		Site:              "analytics",
		CredentialKind:    "pat",
		PATName:           "engine",
		PATSecret:         "pat-secret",
		APIVersion:        "3.22",
		SessionTTL:        4 * time.Hour,
		TokenSafetyMargin: 5 * time.Minute,
		RequestTimeout:    5 * time.Second,
	}
}

func signinResponse(token string) string {
	return `{"credentials": {"token": "` + token + `", "site": {"id": "site-1", "contentUrl": "analytics"}, "user": {"id": "user-1"}}}`
}

func TestSessionManager_SignsInWithPAT(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/3.22/auth/signin" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(signinResponse("token-1")))
	}))
	defer server.Close()

	m := NewSessionManager(testTableauConfig(server.URL), clockwork.NewFakeClock(), zap.NewNop())

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "token-1" {
		t.Errorf("expected token-1, got %q", token)
	}

	creds, ok := gotBody["credentials"].(map[string]any)
	if !ok {
		t.Fatalf("missing credentials in body: %v", gotBody)
	}
	if creds["personalAccessTokenName"] != "engine" {
		t.Errorf("expected PAT name, got %v", creds["personalAccessTokenName"])
	}
	if creds["personalAccessTokenSecret"] != "pat-secret" {
		t.Errorf("expected PAT secret, got %v", creds["personalAccessTokenSecret"])
	}
	site, _ := creds["site"].(map[string]any)
	if site["contentUrl"] != "analytics" {
		t.Errorf("expected site contentUrl, got %v", site)
	}
}

func TestSessionManager_SignsInWithPassword(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(signinResponse("token-1")))
	}))
	defer server.Close()

	cfg := testTableauConfig(server.URL)
	cfg.CredentialKind = "password"
	cfg.Username = "analyst"
	cfg.Password = "hunter2"
	m := NewSessionManager(cfg, clockwork.NewFakeClock(), zap.NewNop())

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	creds := gotBody["credentials"].(map[string]any)
	if creds["name"] != "analyst" || creds["password"] != "hunter2" {
		t.Errorf("expected username/password credentials, got %v", creds)
	}
	if _, hasPAT := creds["personalAccessTokenName"]; hasPAT {
		t.Error("password sign-in must not carry PAT fields")
	}
}

func TestSessionManager_CachesTokenUntilSafetyMargin(t *testing.T) {
	var signins atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := signins.Add(1)
		w.Write([]byte(signinResponse("token-" + string(rune('0'+n)))))
	}))
	defer server.Close()

	clock := clockwork.NewFakeClock()
	m := NewSessionManager(testTableauConfig(server.URL), clock, zap.NewNop())
	ctx := context.Background()

	first, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("expected cached token, got %q then %q", first, second)
	}
	if signins.Load() != 1 {
		t.Fatalf("expected 1 signin, got %d", signins.Load())
	}

	// Still outside the safety margin: no new sign-in.
	clock.Advance(3 * time.Hour)
	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signins.Load() != 1 {
		t.Errorf("expected cached token at 3h, got %d signins", signins.Load())
	}

	// Within 5m of the 4h expiry: refresh ahead.
	clock.Advance(57 * time.Minute)
	refreshed, err := m.Token(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signins.Load() != 2 {
		t.Errorf("expected refresh sign-in, got %d signins", signins.Load())
	}
	if refreshed == first {
		t.Errorf("expected a fresh token after refresh")
	}
}

func TestSessionManager_InvalidateForcesReSignIn(t *testing.T) {
	var signins atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signins.Add(1)
		w.Write([]byte(signinResponse("token-1")))
	}))
	defer server.Close()

	m := NewSessionManager(testTableauConfig(server.URL), clockwork.NewFakeClock(), zap.NewNop())
	ctx := context.Background()

	token, _ := m.Token(ctx)
	m.Invalidate(token)
	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signins.Load() != 2 {
		t.Errorf("expected 2 signins after invalidate, got %d", signins.Load())
	}

	// Invalidating a stale token is a no-op.
	m.Invalidate("some-old-token")
	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signins.Load() != 2 {
		t.Errorf("expected no extra signin for stale invalidate, got %d", signins.Load())
	}
}

func TestSessionManager_RejectedCredentialsSurfaceAuthExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"summary": "Sign-in failed", "detail": "Invalid token", "code": "401001"}}`))
	}))
	defer server.Close()

	m := NewSessionManager(testTableauConfig(server.URL), clockwork.NewFakeClock(), zap.NewNop())

	_, err := m.Token(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthExpired(err) {
		t.Errorf("expected auth expired, got %v", err)
	}
	var te *Error
	if !errors.As(err, &te) || te.Message != "Sign-in failed: Invalid token" {
		t.Errorf("expected verbatim upstream message, got %v", err)
	}
}

func TestSessionManager_SignOut(t *testing.T) {
	var signouts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/3.22/auth/signin":
			w.Write([]byte(signinResponse("token-1")))
		case "/api/3.22/auth/signout":
			if r.Header.Get("X-Tableau-Auth") != "token-1" {
				t.Errorf("signout missing auth header")
			}
			signouts.Add(1)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	m := NewSessionManager(testTableauConfig(server.URL), clockwork.NewFakeClock(), zap.NewNop())
	ctx := context.Background()

	// No session yet: nothing to do.
	if err := m.SignOut(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signouts.Load() != 0 {
		t.Errorf("expected no signout call without a session")
	}

	if _, err := m.Token(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.SignOut(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signouts.Load() != 1 {
		t.Errorf("expected 1 signout, got %d", signouts.Load())
	}
}
