package main

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/jwt/v2"
)

func TestSessionExpiry(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		tokenExp time.Time
		want     time.Time
	}{
		{"token shorter than cap", now.Add(10 * time.Minute), now.Add(10 * time.Minute)},
		{"token longer than cap", now.Add(8 * time.Hour), now.Add(maxUserSession)},
		{"no token expiry", time.Time{}, now.Add(maxUserSession)},
		{"token exactly at cap", now.Add(maxUserSession), now.Add(maxUserSession)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sessionExpiry(tt.tokenExp, now); got != tt.want.Unix() {
				t.Errorf("sessionExpiry = %d, want %d", got, tt.want.Unix())
			}
		})
	}
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	h := &AuthHandler{}
	if _, err := h.authenticate(context.Background(), jwt.ConnectOptions{}); err == nil {
		t.Error("Expected empty connect options rejected")
	}
}

func TestAuthenticate_ServiceCredentials(t *testing.T) {
	h := &AuthHandler{services: &ServiceDirectory{
		entries: map[string][]byte{"template-service": []byte("ts-secret")},
	}}

	g, err := h.authenticate(context.Background(), jwt.ConnectOptions{
		Username: "template-service",
		Password: "ts-secret",
	})
	if err != nil {
		t.Fatalf("Expected service authenticated, got %v", err)
	}
	if g.user != "template-service" || g.kind != "service" {
		t.Errorf("Unexpected grant identity: %+v", g)
	}
	if !contains(g.perms.Pub.Allow, ">") {
		t.Error("Expected the service grant")
	}
	if g.expires <= time.Now().Unix() {
		t.Errorf("Expected a future expiry, got %d", g.expires)
	}

	if _, err := h.authenticate(context.Background(), jwt.ConnectOptions{
		Username: "template-service",
		Password: "wrong",
	}); err == nil {
		t.Error("Expected wrong password rejected")
	}
}
