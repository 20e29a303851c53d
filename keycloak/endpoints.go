// Package keycloak holds the small amount of Keycloak protocol knowledge shared
// by the token client and the auth-exchange backend: realm endpoint layout,
// RFC 8693 token exchange and OAuth error bodies.
package keycloak

import "strings"

// Grant and token type identifiers used by token exchange.
const (
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	TokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

// RealmEndpoints lists the OpenID Connect endpoints of a Keycloak realm.
type RealmEndpoints struct {
	Issuer   string
	Auth     string
	Token    string
	UserInfo string
	Logout   string
	Revoke   string
	Certs    string
}

// Endpoints derives the realm endpoints from an issuer such as
// http://localhost:8080/realms/workshop.
func Endpoints(issuer string) RealmEndpoints {
	base := strings.TrimSuffix(issuer, "/")
	oidc := base + "/protocol/openid-connect"
	return RealmEndpoints{
		Issuer:   base,
		Auth:     oidc + "/auth",
		Token:    oidc + "/token",
		UserInfo: oidc + "/userinfo",
		Logout:   oidc + "/logout",
		Revoke:   oidc + "/revoke",
		Certs:    oidc + "/certs",
	}
}
