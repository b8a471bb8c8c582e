package presence

import (
	"testing"
	"time"
)

func TestBuildView_Counts(t *testing.T) {
	users := []Record{
		{UserID: "u1", Online: true},
		{UserID: "u2", Online: true},
	}

	view := BuildView(users, true, true)
	if view.OnlineCount != 3 {
		t.Errorf("Expected remote users plus self, got %d", view.OnlineCount)
	}

	view = BuildView(users, true, false)
	if view.OnlineCount != 2 {
		t.Errorf("Expected unauthenticated count to exclude self, got %d", view.OnlineCount)
	}
}

func TestBuildView_NilUsers(t *testing.T) {
	view := BuildView(nil, false, false)
	if view.OnlineUsers == nil {
		t.Error("Expected an empty slice, not nil, for rendering")
	}
	if view.OnlineCount != 0 {
		t.Errorf("Expected count 0, got %d", view.OnlineCount)
	}
}

func TestBuildView_Status(t *testing.T) {
	if got := BuildView(nil, true, true).CurrentUserStatus; got != StatusOnline {
		t.Errorf("Expected online while connected, got %s", got)
	}
	if got := BuildView(nil, false, true).CurrentUserStatus; got != StatusOffline {
		t.Errorf("Expected offline while disconnected, got %s", got)
	}
}

func TestFormatLastSeen(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{"zero time", time.Time{}, "Just now"},
		{"seconds ago", now.Add(-30 * time.Second), "Just now"},
		{"minutes ago", now.Add(-5 * time.Minute), "5m ago"},
		{"under an hour", now.Add(-59 * time.Minute), "59m ago"},
		{"hours ago", now.Add(-3 * time.Hour), "3h ago"},
		{"under a day", now.Add(-23 * time.Hour), "23h ago"},
		{"days ago", now.Add(-48 * time.Hour), "Aug 27, 2026"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatLastSeen(tt.t, now); got != tt.want {
				t.Errorf("FormatLastSeen(%v) = %q, want %q", tt.t, got, tt.want)
			}
		})
	}
}
