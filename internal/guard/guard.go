// Package guard makes the edge routing decision for every inbound request.
//
// Decide is a pure function of the path and the session cookies: it trusts
// cookie presence and the role marker and never verifies a token over the
// network. An expired but present access token passes; the page or the proxy
// discovers the expiry later.
package guard

import (
	"net/http"
	"net/url"
	"strings"

	"sitegateway/internal/metrics"
	"sitegateway/internal/tokenstore"
	"sitegateway/internal/util"
)

const (
	LoginPath     = "/login"
	RegisterPath  = "/register"
	PortalPath    = "/portal"
	DashboardPath = "/dashboard"
)

// Action is the outcome of a guard decision.
type Action string

const (
	Allow             Action = "allow"
	RedirectLogin     Action = "redirect_login"
	RedirectPortal    Action = "redirect_portal"
	RedirectDashboard Action = "redirect_dashboard"
)

// Decision is what the guard wants done with a request.
type Decision struct {
	Action   Action
	Location string
}

// Redirect reports whether the decision short-circuits the request.
func (d Decision) Redirect() bool {
	return d.Action != Allow
}

// Decide applies the routing rules in order:
//  1. protected tree without access token -> /login?from=<path>
//  2. admin tree without ADMIN role -> /portal
//  3. auth page with access token -> /dashboard or /portal by role
//  4. allow
func Decide(path string, sess tokenstore.Session) Decision {
	if IsProtected(path) && !sess.Authenticated() {
		return Decision{Action: RedirectLogin, Location: loginLocation(path)}
	}
	if underPrefix(path, DashboardPath) && !sess.IsAdmin() {
		return Decision{Action: RedirectPortal, Location: PortalPath}
	}
	if isAuthPage(path) && sess.Authenticated() {
		if sess.IsAdmin() {
			return Decision{Action: RedirectDashboard, Location: DashboardPath}
		}
		return Decision{Action: RedirectPortal, Location: PortalPath}
	}
	return Decision{Action: Allow}
}

// IsProtected reports whether path belongs to an authenticated area.
func IsProtected(path string) bool {
	return underPrefix(path, PortalPath) || underPrefix(path, DashboardPath)
}

func isAuthPage(path string) bool {
	path = strings.TrimSuffix(path, "/")
	return path == LoginPath || path == RegisterPath
}

// underPrefix matches prefix itself and anything below it, but not siblings
// such as /portal-info.
func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// loginLocation keeps slashes readable in the from parameter.
func loginLocation(from string) string {
	escaped := strings.ReplaceAll(url.QueryEscape(from), "%2F", "/")
	return LoginPath + "?from=" + escaped
}

// Middleware redirects page requests according to Decide. Requests whose path
// starts with one of skipPrefixes (API routes, assets) pass untouched.
func Middleware(m *metrics.Metrics, skipPrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range skipPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			decision := Decide(r.URL.Path, tokenstore.Read(r))
			m.GuardDecision(string(decision.Action))
			if decision.Redirect() {
				util.LoggerFromContext(r.Context()).Debug("guard redirect",
					"path", r.URL.Path,
					"action", string(decision.Action),
					"location", decision.Location,
				)
				w.Header().Set("Cache-Control", "no-store")
				http.Redirect(w, r, decision.Location, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSession is the API-side entry check shared with the proxy: it only
// accepts requests carrying an access token, without any network call.
func RequireSession(r *http.Request) (tokenstore.Session, bool) {
	sess := tokenstore.Read(r)
	return sess, sess.Authenticated()
}
