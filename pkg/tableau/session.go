package tableau

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/config"
)

// SessionManager signs in to Tableau and caches the session token, re-signing
// in before the assumed expiry. Sign-in is serialized so concurrent requests
// share one session instead of racing the auth endpoint.
type SessionManager struct {
	cfg        config.TableauConfig
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *zap.Logger

	mu      sync.Mutex
	token   string
	siteID  string
	userID  string
	expires time.Time
}

// NewSessionManager creates a session manager. A nil clock means wall time.
func NewSessionManager(cfg config.TableauConfig, clock clockwork.Clock, logger *zap.Logger) *SessionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionManager{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		clock:  clock,
		logger: logger.Named("tableau-session"),
	}
}

// Token returns a valid session token, signing in if none is cached or the
// cached one is within the safety margin of expiry.
func (m *SessionManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.clock.Now().Add(m.cfg.TokenSafetyMargin).Before(m.expires) {
		return m.token, nil
	}
	if err := m.signInLocked(ctx); err != nil {
		return "", err
	}
	return m.token, nil
}

// SiteID returns the signed-in site's ID, needed for REST resource lookups.
func (m *SessionManager) SiteID(ctx context.Context) (string, error) {
	if _, err := m.Token(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.siteID, nil
}

// Invalidate drops the cached token if it is still the current one. Called
// when the server rejects a token mid-call so the next Token() re-signs in.
func (m *SessionManager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == token {
		m.token = ""
		m.expires = time.Time{}
	}
}

// SignOut releases the server-side session. Best effort, used at shutdown.
func (m *SessionManager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	token := m.token
	m.token = ""
	m.expires = time.Time{}
	m.mu.Unlock()

	if token == "" {
		return nil
	}

	endpoint := fmt.Sprintf("%s/api/%s/auth/signout", strings.TrimSuffix(m.cfg.ServerURL, "/"), m.cfg.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create signout request: %w", err)
	}
	req.Header.Set("X-Tableau-Auth", token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return NewError(KindTransport, 0, "signout failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	m.logger.Debug("signed out of Tableau session")
	return nil
}

// signInLocked performs the REST sign-in. Caller holds m.mu.
func (m *SessionManager) signInLocked(ctx context.Context) error {
	creds := map[string]any{
		"site": map[string]string{"contentUrl": m.cfg.Site},
	}
	switch m.cfg.CredentialKind {
	case "pat":
		creds["personalAccessTokenName"] = m.cfg.PATName
		creds["personalAccessTokenSecret"] = m.cfg.PATSecret
	case "password":
		creds["name"] = m.cfg.Username
		creds["password"] = m.cfg.Password
	default:
		return fmt.Errorf("unknown credential kind %q", m.cfg.CredentialKind)
	}

	body, err := json.Marshal(map[string]any{"credentials": creds})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/%s/auth/signin", strings.TrimSuffix(m.cfg.ServerURL, "/"), m.cfg.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create signin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	m.logger.Debug("signing in to Tableau",
		zap.String("server", m.cfg.ServerURL),
		zap.String("site", m.cfg.Site),
		zap.String("credential_kind", m.cfg.CredentialKind))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return NewError(KindTransport, 0, "signin failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindTransport, 0, "failed to read signin response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		m.logger.Error("Tableau rejected credentials",
			zap.Int("status", resp.StatusCode))
		return NewError(KindAuthExpired, resp.StatusCode, upstreamMessage(respBody), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return NewError(KindUpstream, resp.StatusCode, upstreamMessage(respBody), nil)
	}

	var parsed struct {
		Credentials struct {
			Token string `json:"token"`
			Site  struct {
				ID         string `json:"id"`
				ContentURL string `json:"contentUrl"`
			} `json:"site"`
			User struct {
				ID string `json:"id"`
			} `json:"user"`
		} `json:"credentials"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return NewError(KindUpstream, resp.StatusCode, "failed to parse signin response", err)
	}
	if parsed.Credentials.Token == "" {
		return NewError(KindUpstream, resp.StatusCode, "signin response carried no token", nil)
	}

	m.token = parsed.Credentials.Token
	m.siteID = parsed.Credentials.Site.ID
	m.userID = parsed.Credentials.User.ID
	m.expires = m.clock.Now().Add(m.cfg.SessionTTL)

	m.logger.Info("Tableau session established",
		zap.String("site_id", m.siteID),
		zap.Time("expires", m.expires))
	return nil
}

// upstreamMessage extracts the human part of a Tableau error body, falling
// back to the raw body. Tableau errors look like
// {"error": {"summary": "...", "detail": "...", "code": "..."}}.
func upstreamMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Summary string `json:"summary"`
			Detail  string `json:"detail"`
			Code    string `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Error.Detail != "":
			if parsed.Error.Summary != "" {
				return parsed.Error.Summary + ": " + parsed.Error.Detail
			}
			return parsed.Error.Detail
		case parsed.Error.Summary != "":
			return parsed.Error.Summary
		case parsed.Message != "":
			return parsed.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "no error detail"
	}
	return msg
}
