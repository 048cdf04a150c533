package credential

import "fmt"

// AuthError means no source in the resolution chain yielded a token.
type AuthError struct {
	UserID string
	Reason string
}

func (e *AuthError) Error() string {
	if e.UserID == "" {
		return fmt.Sprintf("authentication failed: %s", e.Reason)
	}
	return fmt.Sprintf("authentication failed for user %s: %s", e.UserID, e.Reason)
}
