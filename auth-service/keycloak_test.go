package main

import "testing"

func TestRoleFromRealm(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  Role
	}{
		{"no roles", nil, RoleGuest},
		{"unrecognized only", []string{"offline_access", "uma_authorization"}, RoleGuest},
		{"user role", []string{"user"}, RoleMember},
		{"admin role", []string{"admin"}, RoleAdmin},
		{"admin wins over user", []string{"user", "admin"}, RoleAdmin},
		{"user among noise", []string{"offline_access", "user"}, RoleMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roleFromRealm(tt.roles); got != tt.want {
				t.Errorf("roleFromRealm(%v) = %s, want %s", tt.roles, got, tt.want)
			}
		})
	}
}

func TestRoleString(t *testing.T) {
	if RoleGuest.String() != "guest" || RoleMember.String() != "member" || RoleAdmin.String() != "admin" {
		t.Errorf("Unexpected role names: %s/%s/%s", RoleGuest, RoleMember, RoleAdmin)
	}
}
