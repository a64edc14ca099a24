package httpapi

import (
	"crypto/subtle"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks the static API token. An empty configured token
// disables auth, which is only sensible for local development.
func authorizeBearer(authHeader, apiToken string) *authError {
	if apiToken == "" {
		return nil
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(apiToken)) != 1 {
		return &authError{
			status:  401,
			code:    "unauthorized",
			message: "invalid token",
		}
	}
	return nil
}
