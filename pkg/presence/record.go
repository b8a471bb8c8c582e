// Package presence implements the client side of the online-users feature:
// reconciling raw channel events into a consistent view of who is online,
// heartbeating the local user's record, and deriving the display shape.
package presence

import (
	"fmt"
	"time"

	"github.com/Yowj/astvault/pkg/session"
)

// Record is one user known to be online. Online is true for as long as the
// record exists in the local view; absence means offline. The wire field
// names match what every client publishes when tracking itself.
type Record struct {
	UserID         string    `json:"user_id"`
	Email          string    `json:"email"`
	FullName       string    `json:"fullName,omitempty"`
	ProfilePicture string    `json:"profilePicture,omitempty"`
	Online         bool      `json:"online"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastSeen       time.Time `json:"lastSeen"`
}

// recordFor builds a freshly timestamped record for the local user.
func recordFor(u session.User, now time.Time) Record {
	fullName := u.FullName
	if fullName == "" {
		fullName = u.Email
	}
	return Record{
		UserID:         u.ID,
		Email:          u.Email,
		FullName:       fullName,
		ProfilePicture: u.ProfilePicture,
		Online:         true,
		JoinedAt:       now,
		LastSeen:       now,
	}
}

// FormatLastSeen renders a recency label for a record's last-seen timestamp:
// "Just now" under a minute, minutes under an hour, hours under a day, then
// the calendar date.
func FormatLastSeen(t, now time.Time) string {
	if t.IsZero() {
		return "Just now"
	}

	minutes := int(now.Sub(t).Minutes())
	switch {
	case minutes < 1:
		return "Just now"
	case minutes < 60:
		return fmt.Sprintf("%dm ago", minutes)
	case minutes < 24*60:
		return fmt.Sprintf("%dh ago", minutes/60)
	default:
		return t.Format("Jan 2, 2006")
	}
}
