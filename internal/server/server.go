package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sitegateway/internal/guard"
	"sitegateway/internal/metrics"
	"sitegateway/internal/proxy"
	"sitegateway/internal/ratelimit"
	"sitegateway/internal/session"
	"sitegateway/internal/tokenstore"
	"sitegateway/internal/upstream"
	"sitegateway/internal/util"
	"sitegateway/pkg/domain"
)

const (
	apiPrefix         = "/api/"
	maxAuthBodyBytes  = 1 << 20
	codeRateLimited   = "RateLimited"
	codeNotFound      = "NotFound"
	codeMethodBlocked = "MethodNotAllowed"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Upstream  *upstream.Client
	Cookies   tokenstore.Policy
	StaticDir string
	Metrics   *metrics.Metrics
	// TrustedProxies decides whose X-Forwarded-For is believed for audit
	// and rate-limit keys. nil trusts nobody.
	TrustedProxies *util.TrustedProxies
	// Redis backs the rate limiters. nil disables rate limiting.
	Redis                      redis.Scripter
	LoginRateLimitPerMinute    int
	RegisterRateLimitPerMinute int
	RefreshRateLimitPerMinute  int
	MaxProxyBodyBytes          int64
}

// Server exposes the gateway's HTTP surface.
type Server struct {
	sessions        *session.Service
	cookies         *tokenstore.Store
	proxy           *proxy.Handler
	pages           http.Handler
	metrics         *metrics.Metrics
	trusted         *util.TrustedProxies
	mux             *http.ServeMux
	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
	refreshLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("server: upstream client is required")
	}
	s := &Server{
		sessions: session.NewService(cfg.Upstream, cfg.Metrics),
		cookies:  tokenstore.New(cfg.Cookies),
		proxy:    proxy.New(cfg.Upstream, cfg.Metrics, cfg.MaxProxyBodyBytes),
		pages:    pageOrigin(cfg.StaticDir),
		metrics:  cfg.Metrics,
		trusted:  cfg.TrustedProxies,
		mux:      http.NewServeMux(),
	}
	if cfg.Redis != nil {
		newLimiter := func(name string, limit, fallback int) (*ratelimit.FixedWindowLimiter, error) {
			if limit <= 0 {
				limit = fallback
			}
			limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, "sitegateway:ratelimit:"+name, limit, time.Minute)
			if err != nil {
				return nil, fmt.Errorf("init %s limiter: %w", name, err)
			}
			return limiter, nil
		}
		var err error
		if s.loginLimiter, err = newLimiter("login", cfg.LoginRateLimitPerMinute, 10); err != nil {
			return nil, err
		}
		if s.registerLimiter, err = newLimiter("register", cfg.RegisterRateLimitPerMinute, 5); err != nil {
			return nil, err
		}
		if s.refreshLimiter, err = newLimiter("refresh", cfg.RefreshRateLimitPerMinute, 30); err != nil {
			return nil, err
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(apiPrefix, s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}

	// session
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/auth/me", s.handleMe)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)

	// upstream passthrough
	s.mux.Handle(proxy.Prefix+"/", s.proxy)

	s.mux.HandleFunc(apiPrefix, func(w http.ResponseWriter, _ *http.Request) {
		util.WriteError(w, http.StatusNotFound, codeNotFound, "Not found")
	})

	// pages
	s.mux.Handle("/", guard.Middleware(s.metrics, apiPrefix)(s.pages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authResponse struct {
	User     *domain.Profile `json:"user,omitempty"`
	SignedIn *bool           `json:"signedIn,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "login", "Too many login attempts") {
		s.audit(r, "gateway.login", "rate_limited")
		return
	}
	var creds session.Credentials
	if err := decodeBody(r, &creds); err != nil {
		s.audit(r, "gateway.login", "fail", "reason", "invalid_json")
		util.WriteError(w, http.StatusBadRequest, string(session.KindInvalidRequest), "Invalid JSON body")
		return
	}
	out, err := s.sessions.Login(r.Context(), creds)
	out.Cookies.Apply(w, s.cookies)
	if err != nil {
		s.writeSessionError(w, r, "gateway.login", err)
		return
	}
	s.audit(r, "gateway.login", "success", "user_id", string(out.User.ID))
	util.WriteJSON(w, http.StatusOK, authResponse{User: out.User})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "register", "Too many registration attempts") {
		s.audit(r, "gateway.register", "rate_limited")
		return
	}
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil || payload == nil {
		s.audit(r, "gateway.register", "fail", "reason", "invalid_json")
		util.WriteError(w, http.StatusBadRequest, string(session.KindInvalidRequest), "Invalid JSON body")
		return
	}
	out, err := s.sessions.Register(r.Context(), payload)
	out.Cookies.Apply(w, s.cookies)
	if err != nil {
		s.writeSessionError(w, r, "gateway.register", err)
		return
	}
	signedIn := out.SignedIn
	s.audit(r, "gateway.register", "success", "signed_in", signedIn)
	util.WriteJSON(w, http.StatusCreated, authResponse{User: out.User, SignedIn: &signedIn})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.refreshLimiter, "refresh", "Too many refresh attempts") {
		s.audit(r, "gateway.refresh", "rate_limited")
		return
	}
	out, err := s.sessions.Refresh(r.Context(), tokenstore.Read(r))
	out.Cookies.Apply(w, s.cookies)
	if err != nil {
		s.writeSessionError(w, r, "gateway.refresh", err)
		return
	}
	s.audit(r, "gateway.refresh", "success", "role_synced", out.User != nil)
	util.WriteJSON(w, http.StatusOK, authResponse{User: out.User})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	out, err := s.sessions.Resolve(r.Context(), tokenstore.Read(r))
	out.Cookies.Apply(w, s.cookies)
	if err != nil {
		s.writeSessionError(w, r, "gateway.me", err)
		return
	}
	util.WriteJSON(w, http.StatusOK, authResponse{User: out.User})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	out := s.sessions.Logout(r.Context())
	out.Cookies.Apply(w, s.cookies)
	s.audit(r, "gateway.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, event string, err error) {
	sessErr := session.AsError(err)
	s.audit(r, event, "fail", "reason", string(sessErr.Kind))
	util.WriteError(w, sessErr.Status, string(sessErr.Kind), sessErr.Message)
}

func methodNotAllowed(w http.ResponseWriter) {
	util.WriteError(w, http.StatusMethodNotAllowed, codeMethodBlocked, "Method not allowed")
}

// decodeBody reads a JSON request body. An empty body decodes as the zero value.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxAuthBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// pageOrigin serves the built site. Without a directory every page is a 404.
func pageOrigin(dir string) http.Handler {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.Dir(dir))
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.trusted.ClientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate reports whether the request may proceed. A nil limiter allows.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, route, msg string) bool {
	if limiter == nil {
		return true
	}
	ok, retryAfter := limiter.Allow(r.Context(), route+"|"+s.trusted.ClientIP(r))
	if ok {
		return true
	}
	s.metrics.RateLimited(route)
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	util.WriteError(w, http.StatusTooManyRequests, codeRateLimited, msg)
	return false
}
