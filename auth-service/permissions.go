package main

import (
	"time"

	"github.com/nats-io/jwt/v2"
)

// Subject grants are composed per tier. Guests only browse, members own the
// full library surface, admins additionally reach the admin subjects.
var (
	browseSubjects = jwt.StringList{
		"presence.subscribe.*",
		"templates.list",
		"templates.get.*",
		"auth.profile.get",
	}
	memberSubjects = jwt.StringList{
		"presence.track.*",
		"presence.untrack.*",
		"templates.create",
		"templates.update",
		"templates.delete",
		"ai.grammar",
		"ai.ask",
		"auth.profile.update",
	}
	eventSubjects = jwt.StringList{
		"presence.event.*",
	}
)

const inbox = "_INBOX.>"

// grantFor translates a library role into NATS subject permissions.
func grantFor(role Role) jwt.Permissions {
	pub := append(jwt.StringList{}, browseSubjects...)
	if role >= RoleMember {
		pub = append(pub, memberSubjects...)
	}
	pub = append(pub, inbox)

	sub := append(jwt.StringList{}, eventSubjects...)
	sub = append(sub, inbox)

	if role == RoleAdmin {
		pub = append(jwt.StringList{"admin.>"}, pub...)
		sub = append(jwt.StringList{"admin.>"}, sub...)
	}

	return jwt.Permissions{
		Pub: jwt.Permission{Allow: pub},
		Sub: jwt.Permission{Allow: sub},
		Resp: &jwt.ResponsePermission{
			MaxMsgs: 1,
			Expires: 5 * time.Minute,
		},
	}
}

// serviceGrant is the backend tier: services run inside the VAULT account and
// need the whole subject space.
func serviceGrant() jwt.Permissions {
	return jwt.Permissions{
		Pub: jwt.Permission{Allow: jwt.StringList{">"}},
		Sub: jwt.Permission{Allow: jwt.StringList{">"}},
		Resp: &jwt.ResponsePermission{
			MaxMsgs: -1,
			Expires: 5 * time.Minute,
		},
	}
}
