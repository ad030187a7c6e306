package antigravity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	oauthTokenURL     = "https://oauth2.googleapis.com/token"
	oauthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	oauthClientSecret = "d-FL95Q19q7MQmFpd7hHD0Ty"
)

// tokenManager refreshes and caches the Google OAuth access token for
// one credential. Concurrent refreshes are collapsed via singleflight.
type tokenManager struct {
	refreshToken string
	httpClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func newTokenManager(refreshToken string, httpClient *http.Client) *tokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &tokenManager{refreshToken: refreshToken, httpClient: httpClient}
}

// Token returns a cached access token, refreshing when absent or within
// a minute of expiry.
func (m *tokenManager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.token != "" && time.Now().Before(m.expiresAt) {
		token := m.token
		m.mu.RUnlock()
		return token, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token after an upstream 401.
func (m *tokenManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

func (m *tokenManager) refresh(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", m.refreshToken)
	form.Set("client_id", oauthClientID)
	form.Set("client_secret", oauthClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh failed: status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := sonic.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("token refresh returned empty access_token")
	}

	expiresAt := time.Now().Add(time.Duration(result.ExpiresIn-60) * time.Second)
	if result.ExpiresIn == 0 {
		// expires_in absent: fall back to the id_token's exp claim
		if exp := jwtExpiry(result.IDToken); !exp.IsZero() {
			expiresAt = exp.Add(-time.Minute)
		} else {
			expiresAt = time.Now().Add(30 * time.Minute)
		}
	}

	m.mu.Lock()
	m.token = result.AccessToken
	m.expiresAt = expiresAt
	m.mu.Unlock()

	return result.AccessToken, nil
}

// jwtExpiry decodes the exp claim without verifying the token; only the
// timestamp is trusted, and only for cache scheduling.
func jwtExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
