package main

import (
	"testing"

	"github.com/nats-io/jwt/v2"
)

func contains(list jwt.StringList, subject string) bool {
	for _, s := range list {
		if s == subject {
			return true
		}
	}
	return false
}

func TestGrantFor_Guest(t *testing.T) {
	perms := grantFor(RoleGuest)

	for _, subject := range []string{"templates.list", "templates.get.*", "presence.subscribe.*", "_INBOX.>"} {
		if !contains(perms.Pub.Allow, subject) {
			t.Errorf("Expected guest to publish %s", subject)
		}
	}
	for _, subject := range []string{"templates.create", "templates.delete", "ai.ask", "presence.track.*", "admin.>"} {
		if contains(perms.Pub.Allow, subject) {
			t.Errorf("Expected guest denied %s", subject)
		}
	}
	if !contains(perms.Sub.Allow, "presence.event.*") {
		t.Error("Expected guest to watch presence events")
	}
}

func TestGrantFor_Member(t *testing.T) {
	perms := grantFor(RoleMember)

	for _, subject := range []string{"templates.create", "templates.update", "templates.delete", "ai.grammar", "ai.ask", "presence.track.*", "presence.untrack.*", "auth.profile.update"} {
		if !contains(perms.Pub.Allow, subject) {
			t.Errorf("Expected member to publish %s", subject)
		}
	}
	if contains(perms.Pub.Allow, "admin.>") {
		t.Error("Expected member denied the admin space")
	}
	if perms.Resp == nil || perms.Resp.MaxMsgs != 1 {
		t.Errorf("Expected single-reply response permission, got %+v", perms.Resp)
	}
}

func TestGrantFor_Admin(t *testing.T) {
	perms := grantFor(RoleAdmin)

	if !contains(perms.Pub.Allow, "admin.>") || !contains(perms.Sub.Allow, "admin.>") {
		t.Error("Expected admin to reach the admin space")
	}
	// Admin is a superset of member.
	if !contains(perms.Pub.Allow, "templates.delete") {
		t.Error("Expected admin to keep member subjects")
	}
}

func TestServiceGrant(t *testing.T) {
	perms := serviceGrant()
	if !contains(perms.Pub.Allow, ">") || !contains(perms.Sub.Allow, ">") {
		t.Errorf("Expected full subject space for services, got %+v", perms)
	}
	if perms.Resp == nil || perms.Resp.MaxMsgs != -1 {
		t.Errorf("Expected unlimited replies for services, got %+v", perms.Resp)
	}
}
