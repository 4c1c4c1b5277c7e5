// Package oauth handles outbound authentication against the CT partner:
// a cached client-credentials token manager and an http.RoundTripper that
// attaches bearer tokens to CT-bound requests.
package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/csaude/sespct-api/envelope"
	"github.com/csaude/sespct-api/interfaces"
	"github.com/csaude/sespct-api/settings"
)

// BypassHeader marks an outbound request the auth gate must not touch.
// The token manager sets it on its own grant requests, which would otherwise
// recurse through the gate.
const BypassHeader = "X-Auth-Bypass"

// expiryMargin is how close to expiry a token is still considered usable.
const expiryMargin = 30 * time.Second

// TokenManager obtains and caches OAuth2 bearer tokens for the CT API.
// Tokens live in memory only. All fetches are funneled through one mutex so
// concurrent callers never issue redundant grant requests.
type TokenManager struct {
	settings *settings.Service
	keeper   *envelope.Keeper
	client   *http.Client
	log      *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiryEpoch  int64
}

// NewTokenManager creates a token manager. The HTTP client must not route
// through the auth gate transport, or grant calls would loop; grant requests
// carry BypassHeader as a second line of defense.
func NewTokenManager(svc *settings.Service, keeper *envelope.Keeper, client *http.Client, log *slog.Logger) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		settings: svc,
		keeper:   keeper,
		client:   client,
		log:      log,
		now:      time.Now,
	}
}

// Token returns a bearer token, fetching or refreshing as needed. A cached
// token more than 30s from expiry is returned as is. Otherwise a refresh
// grant is attempted when a refresh token is cached; on any refresh failure
// the manager falls back to a fresh client-credentials grant.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken != "" && m.now().Unix() < m.expiryEpoch-int64(expiryMargin.Seconds()) {
		return m.accessToken, nil
	}

	if m.refreshToken != "" {
		if err := m.grant(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {m.refreshToken},
		}); err == nil {
			return m.accessToken, nil
		} else {
			m.log.Warn("token refresh failed, falling back to client credentials", "err", err)
			m.refreshToken = ""
		}
	}

	if err := m.grant(ctx, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"read write"},
	}); err != nil {
		m.accessToken = ""
		return "", err
	}
	return m.accessToken, nil
}

// AuthorizationHeader returns "Bearer <token>".
func (m *TokenManager) AuthorizationHeader(ctx context.Context) (string, error) {
	token, err := m.Token(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}

// Invalidate drops the cached token so the next caller fetches a fresh one.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = ""
	m.refreshToken = ""
	m.expiryEpoch = 0
}

func (m *TokenManager) grant(ctx context.Context, form url.Values) error {
	tokenURL, err := m.tokenURL(ctx)
	if err != nil {
		return err
	}

	clientID, clientSecret, err := m.credentials(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", basicAuth(clientID, clientSecret))
	req.Header.Set(BypassHeader, "true")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: token request: %v", interfaces.ErrPartnerUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: token endpoint returned %d: %s", interfaces.ErrPartnerUnavailable, resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	m.accessToken = parsed.AccessToken
	m.expiryEpoch = m.now().Unix() + expiresIn
	if parsed.RefreshToken != "" {
		m.refreshToken = parsed.RefreshToken
	}
	return nil
}

func (m *TokenManager) tokenURL(ctx context.Context) (string, error) {
	base := m.settings.Get(ctx, settings.KeyBaseURL, settings.DefaultBaseURL)
	tokenURL := m.settings.Get(ctx, settings.KeyOAuthTokenURL, strings.TrimSuffix(base, "/")+"/oauth2/token")
	if _, err := url.Parse(tokenURL); err != nil {
		return "", fmt.Errorf("invalid token URL in settings: %q: %w", tokenURL, err)
	}
	return tokenURL, nil
}

func (m *TokenManager) credentials(ctx context.Context) (string, string, error) {
	clientID := m.settings.Get(ctx, settings.KeyOAuthClientID, "")
	if clientID == "" {
		return "", "", fmt.Errorf("%w: setting %s", interfaces.ErrMissingCredential, settings.KeyOAuthClientID)
	}

	stored := m.settings.Get(ctx, settings.KeyOAuthSecret, "")
	clientSecret := m.keeper.DecryptForStorage(ctx, stored)
	if strings.TrimSpace(clientSecret) == "" {
		return "", "", fmt.Errorf("%w: setting %s", interfaces.ErrMissingCredential, settings.KeyOAuthSecret)
	}
	return clientID, clientSecret, nil
}

func basicAuth(clientID, clientSecret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret))
}
