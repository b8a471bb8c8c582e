package presence

// Statuses for the local user as rendered by the display layer.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// View is the stable shape the display layer consumes. All fields are pure
// derivations of the reconciled state; nothing here is mutated independently.
type View struct {
	OnlineUsers       []Record `json:"onlineUsers"`
	OnlineCount       int      `json:"onlineCount"`
	CurrentUserStatus string   `json:"currentUserStatus"`
	IsConnected       bool     `json:"isConnected"`
}

// BuildView derives the display shape. The local user counts as online while
// authenticated, so the count is the remote set size plus one.
func BuildView(users []Record, connected, authenticated bool) View {
	if users == nil {
		users = []Record{}
	}
	count := len(users)
	if authenticated {
		count++
	}
	status := StatusOffline
	if connected {
		status = StatusOnline
	}
	return View{
		OnlineUsers:       users,
		OnlineCount:       count,
		CurrentUserStatus: status,
		IsConnected:       connected,
	}
}
