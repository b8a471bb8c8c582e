package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// keycloakClient talks to the Keycloak REST API: password grants for
// interactive sign-in and the Admin API for account creation.
type keycloakClient struct {
	baseURL   string
	realm     string
	clientID  string
	adminUser string
	adminPass string

	mu             sync.Mutex
	adminToken     string
	adminExpiresAt time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// passwordGrant exchanges credentials for an access token in the realm.
func (kc *keycloakClient) passwordGrant(ctx context.Context, username, password string) (string, error) {
	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", kc.baseURL, kc.realm)
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {kc.clientID},
		"username":   {username},
		"password":   {password},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token request returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return tr.AccessToken, nil
}

// admin returns a cached master-realm admin token, refreshing 30 seconds
// before expiry.
func (kc *keycloakClient) admin(ctx context.Context) (string, error) {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if kc.adminToken != "" && time.Now().Before(kc.adminExpiresAt) {
		return kc.adminToken, nil
	}

	tokenURL := fmt.Sprintf("%s/realms/master/protocol/openid-connect/token", kc.baseURL)
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {"admin-cli"},
		"username":   {kc.adminUser},
		"password":   {kc.adminPass},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create admin token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("admin token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("admin token request returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode admin token response: %w", err)
	}

	kc.adminToken = tr.AccessToken
	kc.adminExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn-30) * time.Second)
	return kc.adminToken, nil
}

// createUser registers a new enabled account with a permanent password via the
// Admin API.
func (kc *keycloakClient) createUser(ctx context.Context, email, password, fullName string) error {
	token, err := kc.admin(ctx)
	if err != nil {
		return err
	}

	first, last := splitName(fullName)
	payload := map[string]any{
		"username":      email,
		"email":         email,
		"firstName":     first,
		"lastName":      last,
		"enabled":       true,
		"emailVerified": true,
		"credentials": []map[string]any{
			{"type": "password", "value": password, "temporary": false},
		},
	}
	body, _ := json.Marshal(payload)

	createURL := fmt.Sprintf("%s/admin/realms/%s/users", kc.baseURL, kc.realm)
	req, err := http.NewRequestWithContext(ctx, "POST", createURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("user creation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("account already exists for %s", email)
	}
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("user creation returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func splitName(fullName string) (first, last string) {
	fields := strings.Fields(fullName)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
