package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Challenge describes an HTTP challenge (status + WWW-Authenticate header).
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// NewChallenge maps an authentication error to a Bearer challenge. A nil
// err means no credentials were presented at all, in which case only the
// resource metadata pointer is advertised.
func NewChallenge(resourceMetadataURL string, err error) Challenge {
	var params []string
	if resourceMetadataURL != "" {
		params = append(params, fmt.Sprintf("resource_metadata=%q", resourceMetadataURL))
	}
	status := http.StatusUnauthorized
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientScope):
		status = http.StatusForbidden
		params = append(params, `error="insufficient_scope"`)
	default:
		params = append(params, `error="invalid_token"`, `error_description="The access token is invalid"`)
	}
	h := "Bearer"
	if len(params) > 0 {
		h += " " + strings.Join(params, ", ")
	}
	return Challenge{Status: status, WWWAuthenticate: h}
}
