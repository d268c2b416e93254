// Package proxy forwards authenticated browser requests to the upstream API,
// swapping the session cookie for a bearer token.
package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"sitegateway/internal/guard"
	"sitegateway/internal/metrics"
	"sitegateway/internal/servicetoken"
	"sitegateway/internal/session"
	"sitegateway/internal/upstream"
	"sitegateway/internal/util"
)

// Prefix is the gateway path under which requests are forwarded.
const Prefix = "/api/proxy"

const (
	defaultMaxBodyBytes    = 50 << 20
	maxResponseBodyBytes   = 16 << 20
	mediaTypeJSON          = "application/json"
	mediaTypeMultipartForm = "multipart/form-data"
)

// hopHeaders are connection-scoped and never forwarded (RFC 9110 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream is the transport the proxy forwards through.
type Upstream interface {
	ResolveURL(rest, rawQuery string) string
	Send(req *http.Request) (*http.Response, error)
}

// Handler serves ANY Prefix/<rest>.
type Handler struct {
	upstream     Upstream
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

// New builds a proxy handler. maxBodyBytes <= 0 selects the default limit.
func New(up Upstream, m *metrics.Metrics, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{upstream: up, metrics: m, maxBodyBytes: maxBodyBytes}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := util.LoggerFromContext(r.Context())
	sess, ok := guard.RequireSession(r)
	if !ok {
		h.fail(w, r, session.NotAuthenticated(nil))
		return
	}

	body, contentType, err := h.outboundBody(w, r)
	if err != nil {
		h.fail(w, r, bodyFailure(err))
		return
	}

	rest := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, Prefix), "/")
	target := h.upstream.ResolveURL(rest, r.URL.RawQuery)
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		h.fail(w, r, session.AsError(err))
		return
	}
	out.Header = forwardHeaders(r.Header)
	if contentType != "" {
		out.Header.Set("Content-Type", contentType)
	} else {
		out.Header.Del("Content-Type")
	}
	if body != nil && isMultipart(contentType) {
		out.ContentLength = r.ContentLength
	}
	out.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	resp, err := h.upstream.Send(out)
	if err != nil {
		h.fail(w, r, bodyFailure(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || r.Method == http.MethodHead || !isJSON(resp.Header.Get("Content-Type")) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyBytes))
		h.metrics.ProxyResponse(r.Method, resp.StatusCode)
		w.WriteHeader(resp.StatusCode)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		h.fail(w, r, session.AsError(err))
		return
	}
	payload, err := decodeJSON(raw)
	if err != nil {
		logger.Warn("proxy upstream returned invalid json", "status", resp.StatusCode, "path", rest, "err", err)
		h.fail(w, r, session.AsError(err))
		return
	}
	h.metrics.ProxyResponse(r.Method, resp.StatusCode)
	util.WriteJSON(w, resp.StatusCode, payload)
}

// outboundBody chooses what is forwarded: nothing for bodiless methods, the
// raw stream for multipart, re-serialized JSON otherwise. It returns the
// Content-Type to send, empty when no body is forwarded.
func (h *Handler) outboundBody(w http.ResponseWriter, r *http.Request) (io.Reader, string, error) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return nil, "", nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, "", nil
	}
	limited := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	contentType := r.Header.Get("Content-Type")
	if isMultipart(contentType) {
		return upstream.GuardBody(limited), contentType, nil
	}
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, "", nil
	}
	payload, err := decodeJSON(raw)
	if err != nil {
		util.LoggerFromContext(r.Context()).Debug("proxy dropping malformed json body", "err", err)
		return nil, "", nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(encoded), mediaTypeJSON, nil
}

// bodyFailure blames the caller for a body that was too large or could not be
// read; anything else goes through the usual upstream mapping.
func bodyFailure(err error) *session.Error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &session.Error{Kind: session.KindInvalidRequest, Status: http.StatusRequestEntityTooLarge, Message: "Request body too large", Err: err}
	}
	var bodyErr *upstream.BodyError
	if errors.As(err, &bodyErr) {
		return &session.Error{Kind: session.KindInvalidRequest, Status: http.StatusBadRequest, Message: "Request body could not be read", Err: err}
	}
	return session.AsError(err)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err *session.Error) {
	logger := util.LoggerFromContext(r.Context())
	if err.Status >= http.StatusInternalServerError {
		logger.Error("proxy request failed", "kind", string(err.Kind), "status", err.Status, "err", err.Err)
	} else {
		logger.Info("proxy request rejected", "kind", string(err.Kind), "status", err.Status)
	}
	h.metrics.ProxyResponse(r.Method, err.Status)
	util.WriteError(w, err.Status, string(err.Kind), err.Message)
}

// forwardHeaders copies inbound headers minus credentials the upstream must
// not see and headers the transport recomputes.
func forwardHeaders(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, field := range strings.Split(in.Get("Connection"), ",") {
		if field = strings.TrimSpace(field); field != "" {
			out.Del(field)
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	out.Del("Cookie")
	out.Del("Host")
	out.Del("Content-Length")
	out.Del("Accept-Encoding")
	out.Del(servicetoken.Header)
	return out
}

// decodeJSON keeps numbers as written so large integers survive the round trip.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after json value")
	}
	return payload, nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func isMultipart(contentType string) bool {
	return mediaType(contentType) == mediaTypeMultipartForm
}

func isJSON(contentType string) bool {
	mt := mediaType(contentType)
	return mt == mediaTypeJSON || strings.HasSuffix(mt, "+json")
}
