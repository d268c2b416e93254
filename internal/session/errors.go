package session

import (
	"errors"
	"fmt"
	"net/http"

	"sitegateway/internal/upstream"
)

// Kind classifies session failures. The value is returned to browsers as "code".
type Kind string

const (
	KindInvalidCredentials  Kind = "InvalidCredentials"
	KindRegistrationFailed  Kind = "RegistrationFailed"
	KindProfileFetchFailed  Kind = "ProfileFetchFailed"
	KindNoRefreshToken      Kind = "NoRefreshToken"
	KindSessionExpired      Kind = "SessionExpired"
	KindNotAuthenticated    Kind = "NotAuthenticated"
	KindUpstreamUnreachable Kind = "UpstreamUnreachable"
	KindGenericFailure      Kind = "GenericFailure"
	// KindInvalidRequest is a malformed, oversized or unreadable request from the browser.
	KindInvalidRequest Kind = "InvalidRequest"
)

// Error is a session failure safe to show to the caller. Err keeps the cause
// for logs and is never serialized.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError converts any error into a *Error, hiding unknown causes behind a
// generic 500.
func AsError(err error) *Error {
	var sessErr *Error
	if errors.As(err, &sessErr) {
		return sessErr
	}
	if errors.Is(err, upstream.ErrUnreachable) {
		return unreachable(err)
	}
	return &Error{Kind: KindGenericFailure, Status: http.StatusInternalServerError, Message: "Internal server error", Err: err}
}

// NotAuthenticated is the 401 used when no usable session exists.
func NotAuthenticated(cause error) *Error {
	return &Error{Kind: KindNotAuthenticated, Status: http.StatusUnauthorized, Message: "Not authenticated", Err: cause}
}

func unreachable(err error) *Error {
	return &Error{Kind: KindUpstreamUnreachable, Status: http.StatusBadGateway, Message: "Upstream service unavailable", Err: err}
}

// fromUpstream maps an upstream failure. A completed call keeps its status and
// message under kind; transport and decode failures never leak details.
func fromUpstream(err error, kind Kind, fallback string) *Error {
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = fallback
		}
		status := apiErr.Status
		if status < 400 {
			status = http.StatusBadGateway
		}
		return &Error{Kind: kind, Status: status, Message: msg, Err: err}
	}
	return AsError(err)
}
