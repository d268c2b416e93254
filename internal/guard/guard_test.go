package guard

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"sitegateway/internal/tokenstore"
	"sitegateway/pkg/domain"
)

var (
	anonymous = tokenstore.Session{}
	client    = tokenstore.Session{AccessToken: "at", RefreshToken: "rt", Role: domain.RoleClient}
	admin     = tokenstore.Session{AccessToken: "at", RefreshToken: "rt", Role: domain.RoleAdmin}
	// roleOnly is a stale marker left without tokens.
	roleOnly = tokenstore.Session{Role: domain.RoleAdmin}
	// noRole has tokens but lost its marker.
	noRole = tokenstore.Session{AccessToken: "at"}
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		path string
		sess tokenstore.Session
		want Decision
	}{
		{name: "anonymous dashboard subpage", path: "/dashboard/settings", sess: anonymous, want: Decision{RedirectLogin, "/login?from=/dashboard/settings"}},
		{name: "anonymous portal root", path: "/portal", sess: anonymous, want: Decision{RedirectLogin, "/login?from=/portal"}},
		{name: "stale role marker is anonymous", path: "/dashboard", sess: roleOnly, want: Decision{RedirectLogin, "/login?from=/dashboard"}},
		{name: "client demoted from dashboard", path: "/dashboard", sess: client, want: Decision{RedirectPortal, "/portal"}},
		{name: "missing role demoted from dashboard", path: "/dashboard/users", sess: noRole, want: Decision{RedirectPortal, "/portal"}},
		{name: "admin dashboard", path: "/dashboard/users", sess: admin, want: Decision{Allow, ""}},
		{name: "client portal", path: "/portal/invoices/42", sess: client, want: Decision{Allow, ""}},
		{name: "admin portal", path: "/portal", sess: admin, want: Decision{Allow, ""}},
		{name: "admin on login", path: "/login", sess: admin, want: Decision{RedirectDashboard, "/dashboard"}},
		{name: "client on register", path: "/register", sess: client, want: Decision{RedirectPortal, "/portal"}},
		{name: "anonymous login", path: "/login", sess: anonymous, want: Decision{Allow, ""}},
		{name: "stale role on login", path: "/login", sess: roleOnly, want: Decision{Allow, ""}},
		{name: "public page", path: "/blog/hello", sess: anonymous, want: Decision{Allow, ""}},
		{name: "sibling of protected prefix", path: "/portal-info", sess: anonymous, want: Decision{Allow, ""}},
		{name: "from keeps special characters escaped", path: "/portal/a b&c", sess: anonymous, want: Decision{RedirectLogin, "/login?from=/portal/a+b%26c"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decide(tc.path, tc.sess); got != tc.want {
				t.Fatalf("Decide(%q) = %+v, want %+v", tc.path, got, tc.want)
			}
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	inputs := []struct {
		path string
		sess tokenstore.Session
	}{
		{"/dashboard", client}, {"/login", admin}, {"/portal/x", anonymous}, {"/", roleOnly},
	}
	first := make([]Decision, len(inputs))
	for i, in := range inputs {
		first[i] = Decide(in.path, in.sess)
	}
	for round := 0; round < 3; round++ {
		for i := len(inputs) - 1; i >= 0; i-- {
			if got := Decide(inputs[i].path, inputs[i].sess); got != first[i] {
				t.Fatalf("decision for %q changed between calls: %+v vs %+v", inputs[i].path, got, first[i])
			}
		}
	}
}

func TestMiddlewareRedirectsAnonymousDashboard(t *testing.T) {
	h := Middleware(nil, "/api/")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not run for a redirected request")
	}))
	req := httptest.NewRequest(http.MethodGet, "/dashboard/settings", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/login?from=/dashboard/settings" {
		t.Fatalf("unexpected location %q", got)
	}
}

func TestMiddlewareDemotesClientFromDashboard(t *testing.T) {
	h := Middleware(nil)(http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: tokenstore.AccessTokenCookie, Value: "at"})
	req.AddCookie(&http.Cookie{Name: tokenstore.RoleCookie, Value: "CLIENT"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/portal" {
		t.Fatalf("expected 302 to /portal, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestMiddlewareSkipsAPIPrefixes(t *testing.T) {
	called := false
	h := Middleware(nil, "/api/")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/dashboard/stats", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Fatalf("api requests must pass through the page guard")
	}
}

func TestRequireSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/proxy/x", nil)
	req.AddCookie(&http.Cookie{Name: tokenstore.RoleCookie, Value: "ADMIN"})
	if _, ok := RequireSession(req); ok {
		t.Fatalf("role marker alone must not pass")
	}
	req.AddCookie(&http.Cookie{Name: tokenstore.AccessTokenCookie, Value: "at"})
	sess, ok := RequireSession(req)
	if !ok || sess.AccessToken != "at" {
		t.Fatalf("expected session with access token, got %+v %v", sess, ok)
	}
}
