// Package tokenstore maps the browser session onto its three cookies.
//
// The gateway keeps no server-side session: the access token, the refresh
// token and a readable role marker live only in cookies. Every cookie is
// written and cleared with the same Path/SameSite/Secure/Domain set so a
// clear always overwrites what a write produced.
package tokenstore

import (
	"net/http"
	"strings"

	"sitegateway/pkg/domain"
)

// Cookie names are shared with the browser application and must not change.
const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
	RoleCookie         = "userRole"
)

// Cookie lifetimes in seconds.
const (
	AccessTokenMaxAge  = 15 * 60
	RefreshTokenMaxAge = 7 * 24 * 60 * 60
	RoleMaxAge         = RefreshTokenMaxAge
)

const cookiePath = "/"

// Policy holds the attributes common to all session cookies.
type Policy struct {
	Secure bool
	Domain string
}

// Session is the cookie view of the caller. It is a plain value; nothing is
// cached between requests.
type Session struct {
	AccessToken  string
	RefreshToken string
	Role         domain.Role
}

// Authenticated reports whether an access token is present. A role marker on
// its own never counts.
func (s Session) Authenticated() bool {
	return s.AccessToken != ""
}

// IsAdmin reports an authenticated session carrying the ADMIN marker.
func (s Session) IsAdmin() bool {
	return s.Authenticated() && s.Role == domain.RoleAdmin
}

// Store writes and clears session cookies under a fixed policy.
type Store struct {
	policy Policy
}

// New returns a Store using policy for every cookie it emits.
func New(policy Policy) *Store {
	policy.Domain = strings.TrimSpace(policy.Domain)
	return &Store{policy: policy}
}

// Write sets all three session cookies.
func (s *Store) Write(w http.ResponseWriter, pair domain.TokenPair, role domain.Role) {
	s.WriteTokens(w, pair)
	if role == "" {
		role = domain.RoleClient
	}
	http.SetCookie(w, s.cookie(RoleCookie, string(role), RoleMaxAge, false))
}

// WriteTokens rotates the access and refresh cookies and leaves userRole untouched.
func (s *Store) WriteTokens(w http.ResponseWriter, pair domain.TokenPair) {
	http.SetCookie(w, s.cookie(AccessTokenCookie, pair.AccessToken, AccessTokenMaxAge, true))
	http.SetCookie(w, s.cookie(RefreshTokenCookie, pair.RefreshToken, RefreshTokenMaxAge, true))
}

// Clear expires all three cookies immediately (Max-Age=0 on the wire).
func (s *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie(AccessTokenCookie, "", -1, true))
	http.SetCookie(w, s.cookie(RefreshTokenCookie, "", -1, true))
	http.SetCookie(w, s.cookie(RoleCookie, "", -1, false))
}

func (s *Store) cookie(name, value string, maxAge int, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     cookiePath,
		Domain:   s.policy.Domain,
		MaxAge:   maxAge,
		Secure:   s.policy.Secure,
		HttpOnly: httpOnly,
		SameSite: http.SameSiteLaxMode,
	}
}

// Read returns whichever session cookies the request carries.
func Read(r *http.Request) Session {
	var sess Session
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		sess.AccessToken = strings.TrimSpace(c.Value)
	}
	if c, err := r.Cookie(RefreshTokenCookie); err == nil {
		sess.RefreshToken = strings.TrimSpace(c.Value)
	}
	if c, err := r.Cookie(RoleCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		sess.Role = domain.ParseRole(c.Value)
	}
	return sess
}
