// Package session is the client of the authentication collaborator: Keycloak
// for credentials and tokens, the auth service for profile metadata. It keeps
// the reactive current-user state the rest of the client hangs off.
package session

// User is the authenticated local user as consumed by the client packages.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	FullName       string `json:"fullName,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// DisplayName prefers the full name and falls back to the email address.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}
