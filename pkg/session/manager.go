package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nats.go"

	"github.com/Yowj/astvault/pkg/otelhelper"
)

const (
	profileGetSubject    = "auth.profile.get"
	profileUpdateSubject = "auth.profile.update"
)

// Config locates the Keycloak realm used for interactive sign-in.
type Config struct {
	KeycloakURL string
	Realm       string
	ClientID    string
	AdminUser   string
	AdminPass   string
}

// Manager owns the authenticated session: the access token, the current user,
// and the change notifications login/logout transitions fan out to observers
// (the presence tracker re-keys its channel on these).
type Manager struct {
	nc *nats.Conn
	kc *keycloakClient

	mu       sync.RWMutex
	token    string
	current  *User
	watchers []func(*User)
}

func NewManager(nc *nats.Conn, cfg Config) *Manager {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "astvault-web"
	}
	return &Manager{
		nc: nc,
		kc: &keycloakClient{
			baseURL:   cfg.KeycloakURL,
			realm:     cfg.Realm,
			clientID:  clientID,
			adminUser: cfg.AdminUser,
			adminPass: cfg.AdminPass,
		},
	}
}

// Current returns the signed-in user, or nil.
func (m *Manager) Current() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	u := *m.current
	return &u
}

// Token returns the current access token, empty when signed out.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// OnChange registers an observer invoked with the new user on sign-in and nil
// on sign-out. Observers are invoked synchronously on the transitioning call.
func (m *Manager) OnChange(fn func(*User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// tokenClaims is the subset of Keycloak access-token claims the client needs.
// The token is validated server-side by the auth callout; here it is only
// decoded for identity fields.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
}

// SignIn authenticates against Keycloak and loads the user's profile.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	token, err := m.kc.passwordGrant(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("access token carries no subject")
	}

	user := User{ID: claims.Subject, Email: claims.Email}
	if user.Email == "" {
		user.Email = claims.PreferredUsername
	}

	// Profile metadata is best-effort; a missing profile row degrades to the
	// email-only display, it does not block sign-in.
	if prof, err := m.fetchProfile(ctx, user.ID); err != nil {
		slog.Warn("Profile lookup failed", "user", user.ID, "error", err)
	} else {
		user.FullName = prof.FullName
		user.ProfilePicture = prof.ProfilePicture
	}

	m.mu.Lock()
	m.token = token
	m.current = &user
	watchers := append([]func(*User){}, m.watchers...)
	m.mu.Unlock()

	notify(watchers, &user)
	return &user, nil
}

// SignUp registers a new account, stores the profile row, and signs in.
func (m *Manager) SignUp(ctx context.Context, email, password, fullName string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if err := m.kc.createUser(ctx, email, password, fullName); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}

	user, err := m.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}

	if fullName != "" {
		if updated, err := m.UpdateProfile(ctx, fullName); err != nil {
			slog.Warn("Storing profile after sign-up failed", "user", user.ID, "error", err)
		} else {
			user = updated
		}
	}
	return user, nil
}

// SignOut clears the session and notifies observers. Safe to call when
// already signed out.
func (m *Manager) SignOut() {
	m.mu.Lock()
	wasSignedIn := m.current != nil
	m.token = ""
	m.current = nil
	watchers := append([]func(*User){}, m.watchers...)
	m.mu.Unlock()

	if wasSignedIn {
		notify(watchers, nil)
	}
}

// UpdateProfile stores a new full name for the current user.
func (m *Manager) UpdateProfile(ctx context.Context, fullName string) (*User, error) {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()
	if current == nil {
		return nil, fmt.Errorf("not signed in")
	}

	body, _ := json.Marshal(profilePayload{
		ID:       current.ID,
		Email:    current.Email,
		FullName: fullName,
	})
	reply, err := otelhelper.TracedRequest(ctx, m.nc, profileUpdateSubject, body)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	var prof profilePayload
	if err := json.Unmarshal(reply.Data, &prof); err != nil {
		return nil, fmt.Errorf("decode profile reply: %w", err)
	}

	m.mu.Lock()
	var updated *User
	if m.current != nil && m.current.ID == prof.ID {
		m.current.FullName = prof.FullName
		m.current.ProfilePicture = prof.ProfilePicture
		u := *m.current
		updated = &u
	}
	m.mu.Unlock()

	if updated == nil {
		return nil, fmt.Errorf("session changed during profile update")
	}
	return updated, nil
}

// profilePayload is the auth.profile.* request/reply body.
type profilePayload struct {
	ID             string `json:"id"`
	Email          string `json:"email,omitempty"`
	FullName       string `json:"fullName,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

func (m *Manager) fetchProfile(ctx context.Context, id string) (*profilePayload, error) {
	reply, err := otelhelper.TracedRequest(ctx, m.nc, profileGetSubject, []byte(id))
	if err != nil {
		return nil, err
	}
	var prof profilePayload
	if err := json.Unmarshal(reply.Data, &prof); err != nil {
		return nil, err
	}
	return &prof, nil
}

func notify(watchers []func(*User), u *User) {
	for _, fn := range watchers {
		if u == nil {
			fn(nil)
			continue
		}
		copied := *u
		fn(&copied)
	}
}
