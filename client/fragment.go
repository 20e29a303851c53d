package client

import (
	"errors"
	"net/url"
)

// BuildDashboardURL appends the access token to base as a URL fragment so it
// never reaches a server or an access log. Any existing fragment on base is
// replaced.
func BuildDashboardURL(base, accessToken string) (string, error) {
	if accessToken == "" {
		return "", ErrNotAuthenticated
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("dashboard url must be absolute")
	}

	frag := url.Values{}
	frag.Set("access_token", accessToken)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String() + "#" + frag.Encode(), nil
}

// RedactURL drops the fragment and the query values of raw. Every URL that
// may carry a token goes through it before being logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			q.Set(k, "redacted")
		}
		u.RawQuery = q.Encode()
	}
	u.User = nil
	return u.String()
}
