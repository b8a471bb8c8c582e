package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Role is the library-level access tier derived from Keycloak realm roles.
// Unknown or missing roles degrade to guest, which can browse templates and
// watch presence but cannot mutate anything or reach the assistant.
type Role int

const (
	RoleGuest Role = iota
	RoleMember
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleMember:
		return "member"
	default:
		return "guest"
	}
}

// roleFromRealm picks the strongest tier present in the token's realm roles.
func roleFromRealm(roles []string) Role {
	role := RoleGuest
	for _, r := range roles {
		switch r {
		case "admin":
			return RoleAdmin
		case "user":
			role = RoleMember
		}
	}
	return role
}

// Identity is a verified library user: who they are and what tier they get.
type Identity struct {
	Username  string
	Email     string
	Role      Role
	ExpiresAt time.Time
}

// accessTokenClaims is the wire shape of a Keycloak access token; only the
// claims the callout needs are decoded.
type accessTokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// KeycloakValidator verifies access tokens against the realm's JWKS.
type KeycloakValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewKeycloakValidator fetches the realm JWKS and keeps it refreshed. A
// non-empty issuerOverride replaces the issuer derived from keycloakURL,
// needed when the browser-facing URL differs from the internal service URL.
func NewKeycloakValidator(keycloakURL, realm, issuerOverride string) (*KeycloakValidator, error) {
	jwksURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", keycloakURL, realm)
	issuer := fmt.Sprintf("%s/realms/%s", keycloakURL, realm)
	if issuerOverride != "" {
		issuer = issuerOverride
	}

	jwks, err := fetchJWKS(jwksURL)
	if err != nil {
		return nil, err
	}
	slog.Info("Keycloak JWKS loaded", "jwks_url", jwksURL, "issuer", issuer)

	return &KeycloakValidator{jwks: jwks, issuer: issuer}, nil
}

// fetchJWKS retries because Keycloak may still be starting.
func fetchJWKS(jwksURL string) (*keyfunc.JWKS, error) {
	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			return jwks, nil
		}
		slog.Info("Waiting for Keycloak JWKS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("failed to fetch Keycloak JWKS after retries: %w", err)
}

// Verify checks signature, issuer and expiry, then maps the token onto a
// library identity.
func (v *KeycloakValidator) Verify(tokenString string) (*Identity, error) {
	claims := &accessTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	id := &Identity{
		Username: claims.PreferredUsername,
		Email:    claims.Email,
		Role:     roleFromRealm(claims.RealmAccess.Roles),
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Close shuts down the JWKS background goroutine.
func (v *KeycloakValidator) Close() {
	v.jwks.EndBackground()
}
