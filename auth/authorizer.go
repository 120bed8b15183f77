// Package auth implements the Authorizer capability contract (spec.md §6)
// and the concrete authorizers spec.md's Design Notes call for: cookie/
// session login, Persona-style assertions, and Facebook access tokens.
// Authorizers are long-lived, thread-safe, and may be shared across
// replications (spec.md §3 "Ownership & lifecycle").
package auth

import (
	"net/url"
	"sync"
)

// Authorizer is the capability contract spec.md §6 describes.
type Authorizer interface {
	UsesCookieBasedLogin() bool
	LoginParametersForSite(siteURL string) map[string]string
	LoginPathForSite(siteURL string) string
}

// CookieAuthorizer performs the checkSession/login dance in spec.md §4.7
// step 3 using a fixed username/password pair.
type CookieAuthorizer struct {
	Username string
	Password string
}

func (a *CookieAuthorizer) UsesCookieBasedLogin() bool { return true }

func (a *CookieAuthorizer) LoginParametersForSite(siteURL string) map[string]string {
	return map[string]string{"name": a.Username, "password": a.Password}
}

func (a *CookieAuthorizer) LoginPathForSite(siteURL string) string {
	return "/_session"
}

// PersonaAuthorizer authenticates via a Mozilla Persona assertion, selected
// when the remote URL carries a "persona=" query parameter (spec.md §4.7).
type PersonaAuthorizer struct {
	EmailAddress string
	Assertion    string
}

func (a *PersonaAuthorizer) UsesCookieBasedLogin() bool { return true }

func (a *PersonaAuthorizer) LoginParametersForSite(siteURL string) map[string]string {
	return map[string]string{"assertion": a.Assertion}
}

func (a *PersonaAuthorizer) LoginPathForSite(siteURL string) string {
	return "/_persona_assertion"
}

// FacebookAuthorizer authenticates via a Facebook access token, selected
// when the remote URL carries "facebookAccessToken=" and "email=" query
// parameters. Per spec.md's Design Notes, the access-token cache is
// per-manager state keyed by (email, origin) — never a package-level global
// — so two FacebookAuthorizer instances in the same process never leak
// tokens into each other.
type FacebookAuthorizer struct {
	mu     sync.Mutex
	tokens map[facebookKey]string
}

type facebookKey struct {
	email  string
	origin string
}

func NewFacebookAuthorizer() *FacebookAuthorizer {
	return &FacebookAuthorizer{tokens: make(map[facebookKey]string)}
}

func (a *FacebookAuthorizer) UsesCookieBasedLogin() bool { return true }

// RegisterAccessToken records a token for (email, origin), for use the next
// time LoginParametersForSite is called against that origin.
func (a *FacebookAuthorizer) RegisterAccessToken(accessToken, email, origin string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[facebookKey{email: email, origin: origin}] = accessToken
}

func (a *FacebookAuthorizer) LoginParametersForSite(siteURL string) map[string]string {
	origin := originOf(siteURL)
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, token := range a.tokens {
		if k.origin == origin {
			return map[string]string{"access_token": token, "email": k.email}
		}
	}
	return nil
}

func (a *FacebookAuthorizer) LoginPathForSite(siteURL string) string {
	return "/_facebook"
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

// FromQuery inspects a remote URL's query string for the "persona=" or
// "facebookAccessToken=&email=" parameters spec.md §4.7 describes, and
// returns the corresponding authorizer plus the URL with that query string
// stripped. Returns (nil, rawURL) if neither is present.
func FromQuery(rawURL string) (Authorizer, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, rawURL
	}
	q := u.Query()

	if assertion := q.Get("persona"); assertion != "" {
		email := q.Get("email")
		u.RawQuery = ""
		return &PersonaAuthorizer{EmailAddress: email, Assertion: assertion}, u.String()
	}

	if token := q.Get("facebookAccessToken"); token != "" {
		email := q.Get("email")
		fb := NewFacebookAuthorizer()
		u.RawQuery = ""
		fb.RegisterAccessToken(token, email, originOf(u.String()))
		return fb, u.String()
	}

	return nil, rawURL
}
