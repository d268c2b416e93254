package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"sitegateway/internal/tokenstore"
	"sitegateway/internal/upstream"
	"sitegateway/pkg/domain"
)

// fakeUpstream scripts upstream answers and counts calls.
type fakeUpstream struct {
	loginErr    error
	registerErr error
	refreshErr  error
	// profiles maps access tokens to profiles; unknown tokens get profileErr.
	profiles   map[string]domain.Profile
	profileErr error
	loginPair  domain.TokenPair
	refreshed  domain.TokenPair
	registered domain.Profile

	loginCalls, registerCalls, refreshCalls, profileCalls int
	lastRefreshToken                                      string
}

func (f *fakeUpstream) Login(_ context.Context, email, password string) (domain.TokenPair, error) {
	f.loginCalls++
	if f.loginErr != nil {
		return domain.TokenPair{}, f.loginErr
	}
	return f.loginPair, nil
}

func (f *fakeUpstream) Register(_ context.Context, payload map[string]any) (domain.Profile, error) {
	f.registerCalls++
	if f.registerErr != nil {
		return domain.Profile{}, f.registerErr
	}
	return f.registered, nil
}

func (f *fakeUpstream) Refresh(_ context.Context, refreshToken string) (domain.TokenPair, error) {
	f.refreshCalls++
	f.lastRefreshToken = refreshToken
	if f.refreshErr != nil {
		return domain.TokenPair{}, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeUpstream) Profile(_ context.Context, accessToken string) (domain.Profile, error) {
	f.profileCalls++
	if p, ok := f.profiles[accessToken]; ok {
		return p, nil
	}
	if f.profileErr != nil {
		return domain.Profile{}, f.profileErr
	}
	return domain.Profile{}, &upstream.APIError{Status: http.StatusUnauthorized, Message: "Unauthorized"}
}

func wantKind(t *testing.T, err error, kind Kind, status int) *Error {
	t.Helper()
	var sessErr *Error
	if !errors.As(err, &sessErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if sessErr.Kind != kind || sessErr.Status != status {
		t.Fatalf("got %s/%d, want %s/%d", sessErr.Kind, sessErr.Status, kind, status)
	}
	return sessErr
}

func TestLoginWritesCookiesWithProfileRole(t *testing.T) {
	up := &fakeUpstream{
		loginPair: domain.TokenPair{AccessToken: "at", RefreshToken: "rt"},
		profiles:  map[string]domain.Profile{"at": {ID: "u-1", Role: "ADMIN"}},
	}
	out, err := NewService(up, nil).Login(context.Background(), Credentials{Email: "a@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if out.Cookies.Action != WriteCookies || out.Cookies.Role != domain.RoleAdmin {
		t.Fatalf("unexpected cookie update: %+v", out.Cookies)
	}
	if out.Cookies.Pair.AccessToken != "at" || out.Cookies.Pair.RefreshToken != "rt" {
		t.Fatalf("unexpected pair: %+v", out.Cookies.Pair)
	}
	if out.User == nil || out.User.ID != "u-1" {
		t.Fatalf("expected profile in outcome, got %+v", out.User)
	}
}

func TestLoginDefaultsMissingRoleToClient(t *testing.T) {
	up := &fakeUpstream{
		loginPair: domain.TokenPair{AccessToken: "at", RefreshToken: "rt"},
		profiles:  map[string]domain.Profile{"at": {ID: "u-1"}},
	}
	out, err := NewService(up, nil).Login(context.Background(), Credentials{Email: "a", Password: "b"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if out.Cookies.Role != domain.RoleClient {
		t.Fatalf("expected CLIENT, got %q", out.Cookies.Role)
	}
}

func TestLoginRelaysUpstreamMessage(t *testing.T) {
	up := &fakeUpstream{loginErr: &upstream.APIError{Status: http.StatusUnauthorized, Message: "Account locked"}}
	_, err := NewService(up, nil).Login(context.Background(), Credentials{})
	sessErr := wantKind(t, err, KindInvalidCredentials, http.StatusUnauthorized)
	if sessErr.Message != "Account locked" {
		t.Fatalf("expected upstream message verbatim, got %q", sessErr.Message)
	}
	if up.profileCalls != 0 {
		t.Fatalf("profile must not be fetched after a failed login")
	}
}

func TestLoginGenericMessageWhenUpstreamSilent(t *testing.T) {
	up := &fakeUpstream{loginErr: &upstream.APIError{Status: http.StatusUnauthorized}}
	_, err := NewService(up, nil).Login(context.Background(), Credentials{})
	if sessErr := wantKind(t, err, KindInvalidCredentials, http.StatusUnauthorized); sessErr.Message != "Invalid credentials" {
		t.Fatalf("unexpected message %q", sessErr.Message)
	}
}

func TestLoginFailsWhenProfileUnavailable(t *testing.T) {
	up := &fakeUpstream{loginPair: domain.TokenPair{AccessToken: "at", RefreshToken: "rt"}}
	out, err := NewService(up, nil).Login(context.Background(), Credentials{})
	wantKind(t, err, KindProfileFetchFailed, http.StatusInternalServerError)
	if out.Cookies.Action != KeepCookies {
		t.Fatalf("no cookies may be written on a failed login, got %+v", out.Cookies)
	}
}

func TestLoginTransportFailureIs502(t *testing.T) {
	up := &fakeUpstream{loginErr: fmt.Errorf("%w: login: dial tcp: refused", upstream.ErrUnreachable)}
	_, err := NewService(up, nil).Login(context.Background(), Credentials{})
	sessErr := wantKind(t, err, KindUpstreamUnreachable, http.StatusBadGateway)
	if sessErr.Message != "Upstream service unavailable" {
		t.Fatalf("internal error details must not leak, got %q", sessErr.Message)
	}
}

func TestRegisterAutoLoginSuccess(t *testing.T) {
	up := &fakeUpstream{
		registered: domain.Profile{ID: "u-9", Email: "n@example.com"},
		loginPair:  domain.TokenPair{AccessToken: "at", RefreshToken: "rt"},
		profiles:   map[string]domain.Profile{"at": {ID: "u-9", Role: "CLIENT"}},
	}
	out, err := NewService(up, nil).Register(context.Background(), map[string]any{"email": "n@example.com", "password": "pw"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !out.SignedIn || out.Cookies.Action != WriteCookies || out.Cookies.Role != domain.RoleClient {
		t.Fatalf("expected signed-in outcome with cookies, got %+v", out)
	}
}

func TestRegisterKeepsUserWhenAutoLoginFails(t *testing.T) {
	up := &fakeUpstream{
		registered: domain.Profile{ID: "u-9", Email: "n@example.com"},
		loginErr:   &upstream.APIError{Status: http.StatusUnauthorized, Message: "Email not verified"},
	}
	out, err := NewService(up, nil).Register(context.Background(), map[string]any{"email": "n@example.com", "password": "pw"})
	if err != nil {
		t.Fatalf("auto-login failure must not fail registration: %v", err)
	}
	if out.SignedIn || out.Cookies.Action != KeepCookies {
		t.Fatalf("expected no session, got %+v", out)
	}
	if out.User == nil || out.User.ID != "u-9" {
		t.Fatalf("registered user must be returned, got %+v", out.User)
	}
}

func TestRegisterKeepsUserWhenProfileFails(t *testing.T) {
	up := &fakeUpstream{
		registered: domain.Profile{ID: "u-9"},
		loginPair:  domain.TokenPair{AccessToken: "at", RefreshToken: "rt"},
		profileErr: errors.New("boom"),
	}
	out, err := NewService(up, nil).Register(context.Background(), map[string]any{"email": "e", "password": "p"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if out.SignedIn || out.Cookies.Action != KeepCookies || out.User.ID != "u-9" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRegisterToleratesUndecodableBody(t *testing.T) {
	for name, registerErr := range map[string]error{
		"empty body":      upstream.ErrEmptyBody,
		"plain text body": fmt.Errorf("%w: body: invalid character 'C'", upstream.ErrDecode),
	} {
		t.Run(name, func(t *testing.T) {
			up := &fakeUpstream{
				registerErr: registerErr,
				loginPair:   domain.TokenPair{AccessToken: "at", RefreshToken: "rt"},
				profiles:    map[string]domain.Profile{"at": {ID: "u-9", Role: "CLIENT"}},
			}
			out, err := NewService(up, nil).Register(context.Background(), map[string]any{"email": "n@example.com", "password": "pw"})
			if err != nil {
				t.Fatalf("registration that succeeded upstream must not fail: %v", err)
			}
			if up.loginCalls != 1 || !out.SignedIn || out.Cookies.Action != WriteCookies {
				t.Fatalf("expected auto-login to run, got %+v after %d login calls", out, up.loginCalls)
			}
		})
	}
}

func TestRegisterRejected(t *testing.T) {
	up := &fakeUpstream{registerErr: &upstream.APIError{Status: http.StatusConflict, Message: "Email already in use"}}
	_, err := NewService(up, nil).Register(context.Background(), map[string]any{"email": "e"})
	if sessErr := wantKind(t, err, KindRegistrationFailed, http.StatusConflict); sessErr.Message != "Email already in use" {
		t.Fatalf("unexpected message %q", sessErr.Message)
	}
	if up.loginCalls != 0 {
		t.Fatalf("auto-login must not run after a rejected registration")
	}
}

func TestRefreshWithoutTokenMakesNoUpstreamCall(t *testing.T) {
	up := &fakeUpstream{}
	out, err := NewService(up, nil).Refresh(context.Background(), tokenstore.Session{AccessToken: "at"})
	wantKind(t, err, KindNoRefreshToken, http.StatusUnauthorized)
	if up.refreshCalls != 0 {
		t.Fatalf("expected no upstream call, got %d", up.refreshCalls)
	}
	if out.Cookies.Action != ClearCookies {
		t.Fatalf("expected cookies to be cleared, got %+v", out.Cookies)
	}
}

func TestRefreshRejectedClearsCookies(t *testing.T) {
	up := &fakeUpstream{refreshErr: &upstream.APIError{Status: http.StatusUnauthorized}}
	out, err := NewService(up, nil).Refresh(context.Background(), tokenstore.Session{RefreshToken: "rt-old"})
	wantKind(t, err, KindSessionExpired, http.StatusUnauthorized)
	if out.Cookies.Action != ClearCookies {
		t.Fatalf("expected cookies cleared, got %+v", out.Cookies)
	}
	if up.lastRefreshToken != "rt-old" {
		t.Fatalf("refresh must send the cookie token, got %q", up.lastRefreshToken)
	}
}

func TestRefreshTransportFailureKeepsCookies(t *testing.T) {
	up := &fakeUpstream{refreshErr: fmt.Errorf("%w: refresh: timeout", upstream.ErrUnreachable)}
	out, err := NewService(up, nil).Refresh(context.Background(), tokenstore.Session{RefreshToken: "rt"})
	wantKind(t, err, KindUpstreamUnreachable, http.StatusBadGateway)
	if out.Cookies.Action != KeepCookies {
		t.Fatalf("an unanswered refresh must not log the user out, got %+v", out.Cookies)
	}
}

func TestRefreshRotatesAndResyncsRole(t *testing.T) {
	up := &fakeUpstream{
		refreshed: domain.TokenPair{AccessToken: "at-2", RefreshToken: "rt-2"},
		profiles:  map[string]domain.Profile{"at-2": {ID: "u-1", Role: "ADMIN"}},
	}
	out, err := NewService(up, nil).Refresh(context.Background(), tokenstore.Session{RefreshToken: "rt-1", Role: domain.RoleClient})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if out.Cookies.Action != WriteCookies || out.Cookies.Role != domain.RoleAdmin || out.Cookies.Pair.AccessToken != "at-2" {
		t.Fatalf("unexpected cookie update: %+v", out.Cookies)
	}
}

func TestRefreshRotatesTokensWhenProfileFails(t *testing.T) {
	up := &fakeUpstream{
		refreshed:  domain.TokenPair{AccessToken: "at-2", RefreshToken: "rt-2"},
		profileErr: errors.New("profile down"),
	}
	out, err := NewService(up, nil).Refresh(context.Background(), tokenstore.Session{RefreshToken: "rt-1"})
	if err != nil {
		t.Fatalf("profile failure must not fail refresh: %v", err)
	}
	if out.Cookies.Action != RotateTokens || out.Cookies.Pair.RefreshToken != "rt-2" {
		t.Fatalf("expected token rotation only, got %+v", out.Cookies)
	}
}

func TestRefreshKeepsRefreshTokenWhenUpstreamDoesNotRotateIt(t *testing.T) {
	up := &fakeUpstream{
		refreshed: domain.TokenPair{AccessToken: "at-2"},
		profiles:  map[string]domain.Profile{"at-2": {ID: "u-1"}},
	}
	out, err := NewService(up, nil).Refresh(context.Background(), tokenstore.Session{RefreshToken: "rt-1"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if out.Cookies.Pair.RefreshToken != "rt-1" {
		t.Fatalf("expected existing refresh token to be kept, got %q", out.Cookies.Pair.RefreshToken)
	}
}

func TestResolveWithValidAccessToken(t *testing.T) {
	up := &fakeUpstream{profiles: map[string]domain.Profile{"at": {ID: "u-1"}}}
	out, err := NewService(up, nil).Resolve(context.Background(), tokenstore.Session{AccessToken: "at", RefreshToken: "rt"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Cookies.Action != KeepCookies || up.refreshCalls != 0 {
		t.Fatalf("valid token must not refresh or mutate cookies: %+v, refreshes=%d", out.Cookies, up.refreshCalls)
	}
}

func TestResolveRefreshesOnceWhenAccessTokenExpired(t *testing.T) {
	up := &fakeUpstream{
		refreshed: domain.TokenPair{AccessToken: "at-new", RefreshToken: "rt-new"},
		profiles:  map[string]domain.Profile{"at-new": {ID: "u-1", Role: "CLIENT"}},
	}
	out, err := NewService(up, nil).Resolve(context.Background(), tokenstore.Session{AccessToken: "at-expired", RefreshToken: "rt"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if up.refreshCalls != 1 {
		t.Fatalf("expected exactly one refresh, got %d", up.refreshCalls)
	}
	if up.profileCalls > 2 {
		t.Fatalf("expected at most two profile fetches, got %d", up.profileCalls)
	}
	if out.Cookies.Action != WriteCookies || out.Cookies.Pair.AccessToken != "at-new" {
		t.Fatalf("rotated cookies must be carried out of resolve: %+v", out.Cookies)
	}
}

func TestResolveWithOnlyRefreshToken(t *testing.T) {
	up := &fakeUpstream{
		refreshed: domain.TokenPair{AccessToken: "at-new", RefreshToken: "rt-new"},
		profiles:  map[string]domain.Profile{"at-new": {ID: "u-1"}},
	}
	if _, err := NewService(up, nil).Resolve(context.Background(), tokenstore.Session{RefreshToken: "rt"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if up.profileCalls != 1 || up.refreshCalls != 1 {
		t.Fatalf("expected 1 refresh and 1 profile fetch, got %d/%d", up.refreshCalls, up.profileCalls)
	}
}

func TestResolveRetryFailureIsUnauthenticated(t *testing.T) {
	up := &fakeUpstream{
		refreshed:  domain.TokenPair{AccessToken: "at-new", RefreshToken: "rt-new"},
		profileErr: &upstream.APIError{Status: http.StatusUnauthorized},
	}
	out, err := NewService(up, nil).Resolve(context.Background(), tokenstore.Session{AccessToken: "at", RefreshToken: "rt"})
	wantKind(t, err, KindNotAuthenticated, http.StatusUnauthorized)
	if up.refreshCalls != 1 || up.profileCalls != 2 {
		t.Fatalf("expected 1 refresh and 2 profile fetches, got %d/%d", up.refreshCalls, up.profileCalls)
	}
	if out.Cookies.Action != RotateTokens {
		t.Fatalf("rotated tokens from the successful refresh must still be written, got %+v", out.Cookies)
	}
}

func TestResolveRejectedRefreshPropagatesClear(t *testing.T) {
	up := &fakeUpstream{refreshErr: &upstream.APIError{Status: http.StatusUnauthorized}}
	out, err := NewService(up, nil).Resolve(context.Background(), tokenstore.Session{AccessToken: "at", RefreshToken: "rt"})
	wantKind(t, err, KindNotAuthenticated, http.StatusUnauthorized)
	if out.Cookies.Action != ClearCookies {
		t.Fatalf("expected the refresh clear to be carried, got %+v", out.Cookies)
	}
}

func TestResolveWithoutCookies(t *testing.T) {
	up := &fakeUpstream{}
	out, err := NewService(up, nil).Resolve(context.Background(), tokenstore.Session{})
	wantKind(t, err, KindNotAuthenticated, http.StatusUnauthorized)
	if out.Cookies.Action != KeepCookies {
		t.Fatalf("resolve must not clear cookies on its own, got %+v", out.Cookies)
	}
	if up.profileCalls+up.refreshCalls != 0 {
		t.Fatalf("no upstream calls expected without cookies")
	}
}

func TestAsErrorHidesInternalFailures(t *testing.T) {
	err := AsError(errors.New("json: cannot unmarshal"))
	if err.Kind != KindGenericFailure || err.Status != http.StatusInternalServerError || err.Message != "Internal server error" {
		t.Fatalf("unexpected mapping: %+v", err)
	}
}
