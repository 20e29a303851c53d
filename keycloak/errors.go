package keycloak

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error is an OAuth error response, either straight from Keycloak or relayed
// by the auth-exchange backend.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Code
	if msg == "" {
		msg = fmt.Sprintf("http %d", e.Status)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if hint := e.Guidance(); hint != "" {
		msg += " (" + hint + ")"
	}
	return msg
}

// Guidance rewrites well-known Keycloak failures into an actionable hint.
// It returns "" when there is nothing more useful to say than the description.
func (e *Error) Guidance() string {
	desc := strings.ToLower(e.Description)
	switch {
	case e.Code == "unsupported_grant_type":
		return "token exchange is not enabled on the Keycloak server; start it with --features=token-exchange"
	case e.Code == "invalid_audience" || strings.Contains(desc, "audience"):
		return "the requested audience is not available; grant this client the token-exchange permission on the target client or add an audience mapper"
	case e.Code == "invalid_client":
		return "check the client id and secret and that the client is allowed to use this grant"
	case e.Code == "unauthorized_client" || e.Code == "access_denied" || strings.Contains(desc, "not allowed to exchange"):
		return "enable the token-exchange role for this client in Keycloak"
	case e.Code == "invalid_grant":
		return "the grant is invalid or expired; sign in again"
	}
	return ""
}

// ParseError reads an error body from resp. A body that is not an OAuth
// error document still yields an *Error carrying the status text.
func ParseError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	out := &Error{Status: resp.StatusCode}
	if err := json.Unmarshal(body, out); err != nil || out.Code == "" {
		out.Code = ""
		if out.Description == "" {
			out.Description = http.StatusText(resp.StatusCode)
		}
	}
	return out
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code string) bool {
	var kerr *Error
	return errors.As(err, &kerr) && kerr.Code == code
}
