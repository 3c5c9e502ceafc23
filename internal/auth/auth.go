// Package auth loads and refreshes the credentials the model client attaches
// to outgoing requests: either a plain API key or an OAuth-style token triple
// stored in auth.json under the data directory.
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoCredentials is returned when the store holds neither an API key nor
// tokens.
var ErrNoCredentials = errors.New("auth: no credentials available")

// chatGPTAccountIDClaim is the id_token claim carrying the account ID.
const chatGPTAccountIDClaim = "https://api.openai.com/auth.chatgpt_account_id"

// TokenData is the OAuth-style triple persisted for ChatGPT auth.
type TokenData struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccountID    string `json:"account_id,omitempty"`
}

// StoredAuth is the on-disk shape of auth.json.
type StoredAuth struct {
	APIKey      string     `json:"OPENAI_API_KEY,omitempty"`
	Tokens      *TokenData `json:"tokens,omitempty"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
}

// Mode distinguishes how requests are authenticated.
type Mode string

const (
	ModeAPIKey  Mode = "api-key"
	ModeChatGPT Mode = "chatgpt"
)

// refreshEndpoint is the token-refresh URL for ChatGPT-style credentials;
// a variable so tests can point it at a stub.
var refreshEndpoint = "https://auth.openai.com/oauth/token"

// refreshIfOlderThan triggers a proactive refresh once tokens reach this age.
const refreshIfOlderThan = 28 * 24 * time.Hour

// Manager owns the credential store. All file access is serialized through
// the manager; rewrites go through a temp file and rename.
type Manager struct {
	mu     sync.Mutex
	file   string
	client *http.Client
	cached *StoredAuth
	envKey string
}

// NewManager creates a manager for the auth.json at file. envKey names the
// environment variable consulted when the store has no API key.
func NewManager(file, envKey string) *Manager {
	return &Manager{
		file:   file,
		client: &http.Client{Timeout: 30 * time.Second},
		envKey: envKey,
	}
}

// Mode reports the active auth mode, preferring ChatGPT tokens when present.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	auth, err := m.loadLocked()
	if err == nil && auth.Tokens != nil {
		return ModeChatGPT
	}
	return ModeAPIKey
}

// GetToken returns the bearer string for the Authorization header.
func (m *Manager) GetToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	auth, err := m.loadLocked()
	if err != nil {
		if m.envKey != "" {
			if key := os.Getenv(m.envKey); key != "" {
				return key, nil
			}
		}
		return "", err
	}

	if auth.Tokens != nil {
		if m.needsRefreshLocked(auth) {
			if refreshed, rerr := m.refreshLocked(context.Background(), auth); rerr == nil {
				auth = refreshed
			}
		}
		return auth.Tokens.AccessToken, nil
	}
	if auth.APIKey != "" {
		return auth.APIKey, nil
	}
	if m.envKey != "" {
		if key := os.Getenv(m.envKey); key != "" {
			return key, nil
		}
	}
	return "", ErrNoCredentials
}

// GetAccountID returns the ChatGPT account ID, reading the id_token claim
// when the store does not carry one explicitly.
func (m *Manager) GetAccountID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	auth, err := m.loadLocked()
	if err != nil || auth.Tokens == nil {
		return ""
	}
	if auth.Tokens.AccountID != "" {
		return auth.Tokens.AccountID
	}
	id, _ := accountIDFromIDToken(auth.Tokens.IDToken)
	return id
}

// RefreshToken forces a refresh (the model client calls this on 401) and
// returns the new bearer.
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	auth, err := m.loadLocked()
	if err != nil {
		return "", err
	}
	if auth.Tokens == nil {
		// API-key auth has nothing to refresh; surface the key again.
		if auth.APIKey != "" {
			return auth.APIKey, nil
		}
		return "", ErrNoCredentials
	}
	refreshed, err := m.refreshLocked(ctx, auth)
	if err != nil {
		return "", err
	}
	return refreshed.Tokens.AccessToken, nil
}

func (m *Manager) needsRefreshLocked(auth *StoredAuth) bool {
	if auth.LastRefresh == nil {
		return true
	}
	return time.Since(*auth.LastRefresh) > refreshIfOlderThan
}

type refreshRequest struct {
	ClientID     string `json:"client_id"`
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// oauthClientID identifies this client to the token endpoint.
const oauthClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

func (m *Manager) refreshLocked(ctx context.Context, auth *StoredAuth) (*StoredAuth, error) {
	body, _ := json.Marshal(refreshRequest{
		ClientID:     oauthClientID,
		GrantType:    "refresh_token",
		RefreshToken: auth.Tokens.RefreshToken,
		Scope:        "openid profile email",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: token refresh failed with status %d", resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("auth: decode refresh response: %w", err)
	}

	if rr.IDToken != "" {
		auth.Tokens.IDToken = rr.IDToken
	}
	if rr.AccessToken != "" {
		auth.Tokens.AccessToken = rr.AccessToken
	}
	if rr.RefreshToken != "" {
		auth.Tokens.RefreshToken = rr.RefreshToken
	}
	now := time.Now().UTC()
	auth.LastRefresh = &now

	if err := m.saveLocked(auth); err != nil {
		return nil, err
	}
	return auth, nil
}

func (m *Manager) loadLocked() (*StoredAuth, error) {
	if m.cached != nil {
		return m.cached, nil
	}
	data, err := os.ReadFile(m.file)
	if err != nil {
		return nil, ErrNoCredentials
	}
	var auth StoredAuth
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("auth: parse %s: %w", m.file, err)
	}
	m.cached = &auth
	return &auth, nil
}

// saveLocked rewrites the store atomically: temp file in the same directory,
// then rename.
func (m *Manager) saveLocked(auth *StoredAuth) error {
	data, err := json.MarshalIndent(auth, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.file)
	tmp, err := os.CreateTemp(dir, ".auth-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, m.file); err != nil {
		os.Remove(tmpName)
		return err
	}
	m.cached = auth
	return nil
}

// Write seeds the store (used by tests and login tooling).
func (m *Manager) Write(auth *StoredAuth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(auth)
}

// accountIDFromIDToken pulls the ChatGPT account ID out of the JWT payload
// (second base64url segment) without verifying the signature; the token came
// from our own store.
func accountIDFromIDToken(idToken string) (string, error) {
	parts := bytes.Split([]byte(idToken), []byte("."))
	if len(parts) != 3 {
		return "", fmt.Errorf("auth: malformed id_token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(string(parts[1]))
	if err != nil {
		return "", fmt.Errorf("auth: decode id_token payload: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("auth: parse id_token claims: %w", err)
	}
	if id, ok := claims[chatGPTAccountIDClaim].(string); ok {
		return id, nil
	}
	return "", nil
}
