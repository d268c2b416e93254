// Package session implements the cookie session lifecycle: login,
// registration with auto-login, refresh and "who am I" resolution.
//
// Operations never touch the response directly. Each returns an Outcome whose
// Cookies field describes the cookie mutation the caller must apply to the
// same response that reports the result, including on failure.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sitegateway/internal/metrics"
	"sitegateway/internal/tokenstore"
	"sitegateway/internal/upstream"
	"sitegateway/internal/util"
	"sitegateway/pkg/domain"
)

// Upstream is the part of the upstream API the session flows call.
type Upstream interface {
	Login(ctx context.Context, email, password string) (domain.TokenPair, error)
	Register(ctx context.Context, payload map[string]any) (domain.Profile, error)
	Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error)
	Profile(ctx context.Context, accessToken string) (domain.Profile, error)
}

// CookieAction is the kind of cookie mutation an operation requires.
type CookieAction int

const (
	KeepCookies CookieAction = iota
	WriteCookies
	RotateTokens
	ClearCookies
)

// CookieUpdate is a pending mutation of the session cookies.
type CookieUpdate struct {
	Action CookieAction
	Pair   domain.TokenPair
	Role   domain.Role
}

// Apply writes the mutation onto w.
func (u CookieUpdate) Apply(w http.ResponseWriter, store *tokenstore.Store) {
	switch u.Action {
	case WriteCookies:
		store.Write(w, u.Pair, u.Role)
	case RotateTokens:
		store.WriteTokens(w, u.Pair)
	case ClearCookies:
		store.Clear(w)
	}
}

// Outcome is the result of a session operation.
type Outcome struct {
	User     *domain.Profile
	SignedIn bool
	Cookies  CookieUpdate
}

// Credentials is the login payload.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Service runs the session flows against the upstream API.
type Service struct {
	upstream Upstream
	metrics  *metrics.Metrics
}

// NewService wires a Service. m may be nil.
func NewService(up Upstream, m *metrics.Metrics) *Service {
	return &Service{upstream: up, metrics: m}
}

// Login authenticates, loads the profile and asks for all three cookies.
// A login whose profile cannot be loaded is a failure.
func (s *Service) Login(ctx context.Context, creds Credentials) (Outcome, error) {
	pair, err := s.upstream.Login(ctx, strings.TrimSpace(creds.Email), creds.Password)
	if err != nil {
		return Outcome{}, s.fail(ctx, "login", fromUpstream(err, KindInvalidCredentials, "Invalid credentials"))
	}
	profile, err := s.upstream.Profile(ctx, pair.AccessToken)
	if err != nil {
		return Outcome{}, s.fail(ctx, "login", &Error{
			Kind:    KindProfileFetchFailed,
			Status:  http.StatusInternalServerError,
			Message: "Failed to load user profile",
			Err:     err,
		})
	}
	s.succeed(ctx, "login", "user_id", string(profile.ID))
	return Outcome{
		User:     &profile,
		SignedIn: true,
		Cookies:  CookieUpdate{Action: WriteCookies, Pair: pair, Role: profile.EffectiveRole()},
	}, nil
}

// Register creates the account and tries to sign the user in. When the
// auto-login or its profile fetch fails the registration still succeeds,
// without cookies, and the client falls back to the manual login flow.
func (s *Service) Register(ctx context.Context, payload map[string]any) (Outcome, error) {
	user, err := s.upstream.Register(ctx, payload)
	switch {
	case errors.Is(err, upstream.ErrEmptyBody), errors.Is(err, upstream.ErrDecode):
		// The account exists upstream; only its echo is unusable.
		util.LoggerFromContext(ctx).Warn("register response body ignored", "err", err)
	case err != nil:
		return Outcome{}, s.fail(ctx, "register", fromUpstream(err, KindRegistrationFailed, "Registration failed"))
	}
	registered := Outcome{User: &user}

	email, _ := payload["email"].(string)
	password, _ := payload["password"].(string)
	pair, err := s.upstream.Login(ctx, strings.TrimSpace(email), password)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("register auto-login failed", "err", err)
		s.metrics.AuthOutcome("register", "registered_without_session")
		return registered, nil
	}
	profile, err := s.upstream.Profile(ctx, pair.AccessToken)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("register profile fetch failed", "err", err)
		s.metrics.AuthOutcome("register", "registered_without_session")
		return registered, nil
	}
	s.succeed(ctx, "register", "user_id", string(profile.ID))
	return Outcome{
		User:     &profile,
		SignedIn: true,
		Cookies:  CookieUpdate{Action: WriteCookies, Pair: pair, Role: profile.EffectiveRole()},
	}, nil
}

// Refresh rotates the token pair. An upstream rejection, or a missing refresh
// token, clears every session cookie: a rejected refresh token never works
// again. A failed role resync after a successful rotation is tolerated.
func (s *Service) Refresh(ctx context.Context, sess tokenstore.Session) (Outcome, error) {
	cleared := Outcome{Cookies: CookieUpdate{Action: ClearCookies}}
	if sess.RefreshToken == "" {
		return cleared, s.fail(ctx, "refresh", &Error{
			Kind:    KindNoRefreshToken,
			Status:  http.StatusUnauthorized,
			Message: "No refresh token",
		})
	}
	pair, err := s.upstream.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		var apiErr *upstream.APIError
		if errors.As(err, &apiErr) {
			msg := apiErr.Message
			if msg == "" {
				msg = "Session expired"
			}
			return cleared, s.fail(ctx, "refresh", &Error{
				Kind:    KindSessionExpired,
				Status:  http.StatusUnauthorized,
				Message: msg,
				Err:     err,
			})
		}
		// Upstream never judged the token; keep the cookies.
		return Outcome{}, s.fail(ctx, "refresh", AsError(err))
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = sess.RefreshToken
	}

	profile, err := s.upstream.Profile(ctx, pair.AccessToken)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("refresh role resync skipped", "err", err)
		s.metrics.AuthOutcome("refresh", "rotated_without_profile")
		return Outcome{Cookies: CookieUpdate{Action: RotateTokens, Pair: pair}}, nil
	}
	s.succeed(ctx, "refresh", "user_id", string(profile.ID))
	return Outcome{
		User:     &profile,
		SignedIn: true,
		Cookies:  CookieUpdate{Action: WriteCookies, Pair: pair, Role: profile.EffectiveRole()},
	}, nil
}

// Resolve answers "who am I". It makes at most one inline refresh per call;
// the profile loaded by that refresh is the single retry. Resolve never
// clears cookies itself, only a failed Refresh does.
func (s *Service) Resolve(ctx context.Context, sess tokenstore.Session) (Outcome, error) {
	var cause error
	if sess.AccessToken != "" {
		profile, err := s.upstream.Profile(ctx, sess.AccessToken)
		if err == nil {
			s.succeed(ctx, "resolve", "user_id", string(profile.ID))
			return Outcome{User: &profile, SignedIn: true}, nil
		}
		cause = err
	}
	if sess.RefreshToken == "" {
		return Outcome{}, s.fail(ctx, "resolve", NotAuthenticated(cause))
	}

	refreshed, err := s.Refresh(ctx, sess)
	if err != nil {
		return refreshed, s.fail(ctx, "resolve", NotAuthenticated(err))
	}
	if refreshed.User == nil {
		return refreshed, s.fail(ctx, "resolve", NotAuthenticated(errors.New("profile unavailable after refresh")))
	}
	s.succeed(ctx, "resolve", "user_id", string(refreshed.User.ID), "refreshed", true)
	return refreshed, nil
}

// Logout drops the session cookies. Tokens are opaque to the gateway and
// simply expire upstream.
func (s *Service) Logout(ctx context.Context) Outcome {
	s.succeed(ctx, "logout")
	return Outcome{Cookies: CookieUpdate{Action: ClearCookies}}
}

func (s *Service) fail(ctx context.Context, operation string, err *Error) *Error {
	s.metrics.AuthOutcome(operation, string(err.Kind))
	attrs := []any{"operation", operation, "kind", string(err.Kind), "status", err.Status}
	if err.Err != nil {
		attrs = append(attrs, "err", err.Err.Error())
	}
	logger := util.LoggerFromContext(ctx)
	if err.Status >= http.StatusInternalServerError {
		logger.Error("session operation failed", attrs...)
	} else {
		logger.Info("session operation rejected", attrs...)
	}
	return err
}

func (s *Service) succeed(ctx context.Context, operation string, attrs ...any) {
	s.metrics.AuthOutcome(operation, "success")
	util.LoggerFromContext(ctx).Debug("session operation succeeded", append([]any{"operation", operation}, attrs...)...)
}
