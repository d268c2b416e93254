// Package upstream is the gateway's only HTTP client for the upstream API.
//
// It has no retry logic: a completed non-2xx call returns *APIError, a call
// that never produced a response returns an error wrapping ErrUnreachable.
// A circuit breaker counts transport failures only, so upstream 4xx/5xx
// answers never open it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"sitegateway/internal/metrics"
	"sitegateway/internal/servicetoken"
	"sitegateway/pkg/domain"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 4 << 20
)

// ErrUnreachable marks failures where no upstream response was received:
// DNS, refused connections, timeouts, or an open circuit.
var ErrUnreachable = errors.New("upstream unreachable")

// APIError is a completed upstream call with a non-2xx status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// TokenSigner mints the service token attached to each upstream request.
type TokenSigner interface {
	Sign() (string, error)
}

// BreakerConfig tunes the transport circuit breaker.
type BreakerConfig struct {
	Disabled     bool
	MinRequests  uint32
	FailureRatio float64
	Interval     time.Duration
	OpenTimeout  time.Duration
}

// Config wires a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Transport http.RoundTripper
	Breaker   BreakerConfig
	Signer    TokenSigner
	Metrics   *metrics.Metrics
}

// Client calls the upstream API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	signer     TokenSigner
	metrics    *metrics.Metrics
}

// NewClient constructs an upstream client.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("upstream base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream base url must be http(s), got %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout, Transport: cfg.Transport},
		signer:     cfg.Signer,
		metrics:    cfg.Metrics,
	}
	if !cfg.Breaker.Disabled {
		c.breaker = newBreaker(cfg.Breaker)
	}
	return c, nil
}

func newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.6
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 15 * time.Second
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= ratio
		},
		// A caller hanging up or sending a bad body is not an upstream fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || isBodyError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// ResolveURL maps a proxied path and query onto the upstream base URL.
// Dot segments are cleaned so a request cannot climb above the base path.
func (c *Client) ResolveURL(rest, rawQuery string) string {
	clean := path.Clean("/" + rest)
	if strings.HasSuffix(rest, "/") && clean != "/" {
		clean += "/"
	}
	u := c.baseURL.JoinPath(clean)
	u.RawQuery = rawQuery
	return u.String()
}

// Send performs req through the breaker. The caller owns the response body.
// Streamed bodies should be wrapped with GuardBody: their failures come back
// as *BodyError, not ErrUnreachable, and do not count against the breaker.
func (c *Client) Send(req *http.Request) (*http.Response, error) {
	return c.send(req, "proxy")
}

func (c *Client) send(req *http.Request, operation string) (*http.Response, error) {
	if c.signer != nil {
		token, err := c.signer.Sign()
		if err != nil {
			return nil, fmt.Errorf("sign service token: %w", err)
		}
		req.Header.Set(servicetoken.Header, token)
	}
	start := time.Now()
	var (
		resp *http.Response
		err  error
	)
	if c.breaker != nil {
		var out any
		out, err = c.breaker.Execute(func() (any, error) {
			return c.do(req)
		})
		if err == nil {
			resp = out.(*http.Response)
		}
	} else {
		resp, err = c.do(req)
	}
	if err != nil && isBodyError(err) {
		c.metrics.UpstreamCall(operation, time.Since(start), false)
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	c.metrics.UpstreamCall(operation, time.Since(start), err != nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, operation, err)
	}
	return resp, nil
}

// do runs one round trip. When a guarded body failed, its error replaces the
// transport's so the caller is blamed instead of the upstream.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if body, ok := req.Body.(*GuardedBody); ok {
			if bodyErr := body.failure(); bodyErr != nil {
				return nil, bodyErr
			}
		}
	}
	return resp, err
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (domain.TokenPair, error) {
	payload := map[string]string{"email": email, "password": password}
	body, err := c.call(ctx, "login", http.MethodPost, "/auth/login", "", payload)
	if err != nil {
		return domain.TokenPair{}, err
	}
	return decodeTokenPair(body)
}

// Register creates an account and returns the upstream user object.
func (c *Client) Register(ctx context.Context, payload map[string]any) (domain.Profile, error) {
	body, err := c.call(ctx, "register", http.MethodPost, "/auth/register", "", payload)
	if err != nil {
		return domain.Profile{}, err
	}
	return DecodeEnvelope[domain.Profile](body)
}

// Refresh trades a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	payload := map[string]string{"refreshToken": refreshToken}
	body, err := c.call(ctx, "refresh", http.MethodPost, "/auth/refresh", "", payload)
	if err != nil {
		return domain.TokenPair{}, err
	}
	return decodeTokenPair(body)
}

// Profile fetches the user behind accessToken.
func (c *Client) Profile(ctx context.Context, accessToken string) (domain.Profile, error) {
	body, err := c.call(ctx, "profile", http.MethodGet, "/users/profile", accessToken, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	return DecodeEnvelope[domain.Profile](body)
}

func (c *Client) call(ctx context.Context, operation, method, path, token string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", operation, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.send(req, operation)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %w", ErrUnreachable, operation, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

func decodeTokenPair(body []byte) (domain.TokenPair, error) {
	pair, err := DecodeEnvelope[domain.TokenPair](body)
	if err != nil {
		return domain.TokenPair{}, err
	}
	if strings.TrimSpace(pair.AccessToken) == "" {
		return domain.TokenPair{}, errors.New("upstream token response has no accessToken")
	}
	return pair, nil
}

// errorMessage extracts a human readable message from an upstream error body.
// "message" may be a string or a list of validation messages; "error" is the fallback.
func errorMessage(body []byte) string {
	var errResp struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return ""
	}
	if len(errResp.Message) > 0 {
		var msg string
		if err := json.Unmarshal(errResp.Message, &msg); err == nil && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
		var msgs []string
		if err := json.Unmarshal(errResp.Message, &msgs); err == nil && len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return strings.TrimSpace(errResp.Error)
}
