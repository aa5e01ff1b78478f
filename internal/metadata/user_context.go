package metadata

// UserContext represents the authenticated user, set by auth middleware.
type UserContext struct {
	ID string `json:"id"`
}
