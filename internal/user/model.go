package user

// Profile is the display information the chat core knows about a user.
// It is a cache of token claims; the accounts themselves live elsewhere.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}
